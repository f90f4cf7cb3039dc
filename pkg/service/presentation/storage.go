package presentation

import (
	"context"
	"time"

	sdkutil "github.com/TBD54566975/ssi-sdk/util"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/tbd54566975/ssi-relay/pkg/storage"
)

const presentationNamespace = "presentation"

var errConsumed = errors.New("presentation already consumed")

type Storage struct {
	db storage.ServiceStorage
}

func NewPresentationStorage(db storage.ServiceStorage) (*Storage, error) {
	if db == nil {
		return nil, errors.New("storage cannot be nil")
	}
	return &Storage{db: db}, nil
}

func (ps *Storage) StorePresentation(ctx context.Context, presentation StoredPresentation) error {
	id := presentation.ID
	if id == "" {
		return sdkutil.LoggingNewError("could not store presentation without an ID")
	}
	presentationBytes, err := json.Marshal(presentation)
	if err != nil {
		return sdkutil.LoggingErrorMsgf(err, "could not store presentation: %s", id)
	}
	return ps.db.Write(ctx, presentationNamespace, id, presentationBytes)
}

// GetPresentation returns nil when no presentation is stored under id.
func (ps *Storage) GetPresentation(ctx context.Context, id string) (*StoredPresentation, error) {
	presentationBytes, err := ps.db.Read(ctx, presentationNamespace, id)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsgf(err, "could not get presentation: %s", id)
	}
	if len(presentationBytes) == 0 {
		return nil, nil
	}
	var stored StoredPresentation
	if err = json.Unmarshal(presentationBytes, &stored); err != nil {
		return nil, sdkutil.LoggingErrorMsgf(err, "could not unmarshal stored presentation: %s", id)
	}
	return &stored, nil
}

// ConsumePresentation stamps ConsumedAt on a presentation that has not been consumed yet. errConsumed means it
// was missing or a concurrent verifier consumed it first.
func (ps *Storage) ConsumePresentation(ctx context.Context, id string, now time.Time) error {
	_, err := ps.db.Update(ctx, presentationNamespace, id, consumeUpdater{now: now})
	if err != nil {
		if errors.Is(err, errConsumed) || errors.Is(err, storage.ErrUpdateConflict) {
			return errConsumed
		}
		return errors.Wrapf(err, "consuming presentation<%s>", id)
	}
	return nil
}

type consumeUpdater struct {
	now time.Time
}

func (u consumeUpdater) Validate(v []byte) error {
	if len(v) == 0 {
		return errConsumed
	}
	var stored StoredPresentation
	if err := json.Unmarshal(v, &stored); err != nil {
		return errors.Wrap(err, "unmarshalling stored presentation")
	}
	if stored.ConsumedAt != nil {
		return errConsumed
	}
	return nil
}

func (u consumeUpdater) Update(v []byte) ([]byte, error) {
	var stored StoredPresentation
	if err := json.Unmarshal(v, &stored); err != nil {
		return nil, errors.Wrap(err, "unmarshalling stored presentation")
	}
	stored.ConsumedAt = &u.now
	return json.Marshal(stored)
}
