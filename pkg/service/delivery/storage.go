package delivery

import (
	"context"
	"sort"
	"strings"
	"time"

	sdkutil "github.com/TBD54566975/ssi-sdk/util"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tbd54566975/ssi-relay/pkg/storage"
)

const (
	namespacePrefix = "delivery"
	keySeparator    = "/"
)

// errNotEligible means a record is not in the state a transition starts from. Callers skip the record.
var errNotEligible = errors.New("deliverable is not eligible for this transition")

// Storage keeps deliverables keyed by owner DID and id so one owner's records are a prefix scan.
type Storage struct {
	db storage.ServiceStorage
}

func NewDeliveryStorage(db storage.ServiceStorage) (*Storage, error) {
	if db == nil {
		return nil, errors.New("storage cannot be nil")
	}
	return &Storage{db: db}, nil
}

func namespace(kind Kind) string {
	return storage.MakeNamespace(namespacePrefix, kind.String())
}

func recordKey(owner, id string) string {
	return owner + keySeparator + id
}

func ownerPrefix(owner string) string {
	return owner + keySeparator
}

func (s *Storage) StoreDeliverable(ctx context.Context, d Deliverable) error {
	if d.ID == "" || d.OwnerDID == "" {
		return sdkutil.LoggingNewError("could not store deliverable without an id and owner")
	}
	recordBytes, err := json.Marshal(d)
	if err != nil {
		return sdkutil.LoggingErrorMsgf(err, "could not marshal deliverable: %s", d.ID)
	}
	return s.db.Write(ctx, namespace(d.Kind), recordKey(d.OwnerDID, d.ID), recordBytes)
}

func (s *Storage) GetDeliverable(ctx context.Context, kind Kind, owner, id string) (*Deliverable, error) {
	recordBytes, err := s.db.Read(ctx, namespace(kind), recordKey(owner, id))
	if err != nil {
		return nil, sdkutil.LoggingErrorMsgf(err, "could not get deliverable: %s", id)
	}
	if len(recordBytes) == 0 {
		return nil, nil
	}
	var d Deliverable
	if err = json.Unmarshal(recordBytes, &d); err != nil {
		return nil, sdkutil.LoggingErrorMsgf(err, "could not unmarshal stored deliverable: %s", id)
	}
	return &d, nil
}

// ListOwnerDeliverables returns the owner's records in the given status, oldest first.
func (s *Storage) ListOwnerDeliverables(ctx context.Context, kind Kind, owner string, status Status) ([]Deliverable, error) {
	allData, err := s.db.ReadPrefix(ctx, namespace(kind), ownerPrefix(owner))
	if err != nil {
		return nil, errors.Wrap(err, "reading owner deliverables")
	}
	return decodeDeliverables(allData, func(d Deliverable) bool {
		return d.OwnerDID == owner && d.Status == status
	}), nil
}

// ListDeliverables returns every record of a kind that include accepts, oldest first.
func (s *Storage) ListDeliverables(ctx context.Context, kind Kind, include func(Deliverable) bool) ([]Deliverable, error) {
	allData, err := s.db.ReadAll(ctx, namespace(kind))
	if err != nil {
		return nil, errors.Wrap(err, "reading all deliverables")
	}
	return decodeDeliverables(allData, include), nil
}

func decodeDeliverables(allData map[string][]byte, include func(Deliverable) bool) []Deliverable {
	deliverables := make([]Deliverable, 0, len(allData))
	for key, data := range allData {
		var d Deliverable
		if err := json.Unmarshal(data, &d); err != nil {
			logrus.WithError(err).WithField("key", key).Error("unmarshalling deliverable")
			continue
		}
		if include == nil || include(d) {
			deliverables = append(deliverables, d)
		}
	}
	sort.Slice(deliverables, func(i, j int) bool {
		if deliverables[i].CreatedAt.Equal(deliverables[j].CreatedAt) {
			return strings.Compare(deliverables[i].ID, deliverables[j].ID) < 0
		}
		return deliverables[i].CreatedAt.Before(deliverables[j].CreatedAt)
	})
	return deliverables
}

// transition atomically applies t to a record. errNotEligible means the record was missing or in the wrong
// state. An error wrapping storage.ErrUpdateConflict means the store gave up under contention and the record's
// state is unknown.
func (s *Storage) transition(ctx context.Context, kind Kind, owner, id string, t transitionUpdater) (*Deliverable, error) {
	updated, err := s.db.Update(ctx, namespace(kind), recordKey(owner, id), t)
	if err != nil {
		if errors.Is(err, errNotEligible) {
			return nil, errNotEligible
		}
		return nil, errors.Wrapf(err, "updating deliverable<%s>", id)
	}
	var d Deliverable
	if err = json.Unmarshal(updated, &d); err != nil {
		return nil, errors.Wrapf(err, "unmarshalling updated deliverable<%s>", id)
	}
	return &d, nil
}

// transitionUpdater is a compare-and-swap on a record's status: eligible decides from the stored record, apply
// mutates it.
type transitionUpdater struct {
	eligible func(Deliverable) bool
	apply    func(*Deliverable)
}

func (t transitionUpdater) Validate(v []byte) error {
	if len(v) == 0 {
		return errNotEligible
	}
	var d Deliverable
	if err := json.Unmarshal(v, &d); err != nil {
		return errors.Wrap(err, "unmarshalling stored deliverable")
	}
	if !t.eligible(d) {
		return errNotEligible
	}
	return nil
}

func (t transitionUpdater) Update(v []byte) ([]byte, error) {
	var d Deliverable
	if err := json.Unmarshal(v, &d); err != nil {
		return nil, errors.Wrap(err, "unmarshalling stored deliverable")
	}
	t.apply(&d)
	return json.Marshal(d)
}

// claimTransition moves pending to processing and stamps claimed_at.
func claimTransition(now time.Time) transitionUpdater {
	return transitionUpdater{
		eligible: func(d Deliverable) bool {
			return d.Status == StatusPending
		},
		apply: func(d *Deliverable) {
			d.Status = StatusProcessing
			d.ClaimedAt = &now
		},
	}
}

// confirmTransition moves the owner's processing record to claimed and stamps deleted_at.
func confirmTransition(owner string, now time.Time) transitionUpdater {
	return transitionUpdater{
		eligible: func(d Deliverable) bool {
			return d.Status == StatusProcessing && d.OwnerDID == owner
		},
		apply: func(d *Deliverable) {
			d.Status = StatusClaimed
			d.DeletedAt = &now
		},
	}
}

// reclaimTransition returns a record stuck in processing since before cutoff to pending.
func reclaimTransition(cutoff time.Time) transitionUpdater {
	return transitionUpdater{
		eligible: func(d Deliverable) bool {
			return isStuck(d, cutoff)
		},
		apply: func(d *Deliverable) {
			d.Status = StatusPending
			d.ClaimedAt = nil
		},
	}
}

func isStuck(d Deliverable, cutoff time.Time) bool {
	return d.Status == StatusProcessing && d.ClaimedAt != nil && d.ClaimedAt.Before(cutoff)
}
