package resolution

import (
	"context"

	"github.com/TBD54566975/ssi-sdk/util"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/tbd54566975/ssi-relay/internal/did"
	internalutil "github.com/tbd54566975/ssi-relay/internal/util"
	"github.com/tbd54566975/ssi-relay/pkg/storage"
)

const (
	RegistryNamespace = "did-registry"
)

// LocalRegistry keeps DID documents in service storage. It stands in for a ledger registry in tests and
// single-node deployments.
type LocalRegistry struct {
	db storage.ServiceStorage
}

var _ did.Resolver = (*LocalRegistry)(nil)

func NewLocalRegistry(db storage.ServiceStorage) (*LocalRegistry, error) {
	if db == nil {
		return nil, errors.New("storage cannot be nil")
	}
	return &LocalRegistry{db: db}, nil
}

// Register stores doc, replacing any previous document for the same DID.
func (lr *LocalRegistry) Register(ctx context.Context, doc did.Document) error {
	if _, err := internalutil.GetMethodForDID(doc.ID); err != nil {
		return errors.Wrapf(err, "registering did<%s>", doc.ID)
	}
	if doc.Status == "" {
		doc.Status = did.StatusActive
	}
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return util.LoggingErrorMsgf(err, "could not marshal did document: %s", doc.ID)
	}
	return lr.db.Write(ctx, RegistryNamespace, doc.ID, docBytes)
}

// SetStatus changes the ledger status of a registered DID, e.g. to revoke it.
func (lr *LocalRegistry) SetStatus(ctx context.Context, id string, status did.Status) error {
	_, err := lr.db.Update(ctx, RegistryNamespace, id, statusUpdater{status: status})
	if errors.Is(err, did.ErrNotFound) {
		return err
	}
	return errors.Wrapf(err, "updating status of did<%s>", id)
}

func (lr *LocalRegistry) Resolve(ctx context.Context, id string) (*did.Document, error) {
	docBytes, err := lr.db.Read(ctx, RegistryNamespace, id)
	if err != nil {
		return nil, errors.Wrapf(err, "reading did<%s> from local registry", id)
	}
	if len(docBytes) == 0 {
		return nil, errors.Wrapf(did.ErrNotFound, "local registry has no record of %s", internalutil.SanitizeLog(id))
	}
	var doc did.Document
	if err = json.Unmarshal(docBytes, &doc); err != nil {
		return nil, errors.Wrapf(err, "unmarshalling stored did<%s>", id)
	}
	return &doc, nil
}

// Delete removes a DID from the registry.
func (lr *LocalRegistry) Delete(ctx context.Context, id string) error {
	if err := lr.db.Delete(ctx, RegistryNamespace, id); err != nil {
		return util.LoggingErrorMsgf(err, "could not delete did: %s", id)
	}
	return nil
}

type statusUpdater struct {
	status did.Status
}

func (u statusUpdater) Validate(v []byte) error {
	if len(v) == 0 {
		return did.ErrNotFound
	}
	return nil
}

func (u statusUpdater) Update(v []byte) ([]byte, error) {
	var doc did.Document
	if err := json.Unmarshal(v, &doc); err != nil {
		return nil, errors.Wrap(err, "unmarshalling stored did")
	}
	doc.Status = u.status
	return json.Marshal(doc)
}
