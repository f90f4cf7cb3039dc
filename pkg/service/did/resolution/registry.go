package resolution

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tbd54566975/ssi-relay/internal/did"
	"github.com/tbd54566975/ssi-relay/internal/util"
	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
)

// maxRegistryResponseSize bounds what we read from a registry
const maxRegistryResponseSize = 1 << 20

// registryResolver resolves DIDs against a ledger registry by doing a GET on <url>/1.0/identifiers/<did>. The
// registry answers with the DID's status, the id of its signing key, the key itself under a property named after
// that id, and optionally a list of verification methods.
type registryResolver struct {
	client *http.Client
	url    string
}

var _ did.Resolver = (*registryResolver)(nil)

func newRegistryResolver(registryURL string, client *http.Client) (*registryResolver, error) {
	if registryURL == "" {
		return nil, errors.New("registry url cannot be empty")
	}
	if _, err := url.ParseRequestURI(registryURL); err != nil {
		return nil, errors.Wrapf(err, "invalid registry url<%s>", registryURL)
	}
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &registryResolver{
		client: client,
		url:    strings.TrimSuffix(registryURL, "/"),
	}, nil
}

type registryResponse struct {
	Found              *bool                    `json:"found"`
	Status             did.Status               `json:"status"`
	KeyID              string                   `json:"keyId"`
	VerificationMethod []did.VerificationMethod `json:"verificationMethod,omitempty"`
}

func (rr *registryResolver) Resolve(ctx context.Context, id string) (*did.Document, error) {
	endpoint := rr.url + "/1.0/identifiers/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := rr.client.Do(req)
	if err != nil {
		return nil, retryable(errors.Wrap(err, "performing http get"))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(bufio.NewReader(resp.Body), maxRegistryResponseSize))
	if err != nil {
		return nil, retryable(errors.Wrap(err, "reading registry response"))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrapf(did.ErrNotFound, "registry has no record of %s", util.SanitizeLog(id))
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, retryable(errors.Errorf("registry returned status %d", resp.StatusCode))
	case !util.Is2xxResponse(resp.StatusCode):
		return nil, errors.Errorf("registry returned status %d", resp.StatusCode)
	}
	return parseRegistryResponse(id, respBody)
}

func parseRegistryResponse(id string, body []byte) (*did.Document, error) {
	var result registryResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, errors.Wrap(err, "unmarshalling registry response")
	}
	if result.Found != nil && !*result.Found {
		return nil, errors.Wrapf(did.ErrNotFound, "registry reports %s as not found", util.SanitizeLog(id))
	}
	if result.Status == "" {
		return nil, errors.New("registry response has no status")
	}

	doc := did.Document{
		ID:                 id,
		Status:             result.Status,
		KeyID:              result.KeyID,
		VerificationMethod: result.VerificationMethod,
	}
	if result.KeyID == "" {
		return &doc, nil
	}

	// the key itself is keyed by its id at the top level of the response
	var properties map[string]json.RawMessage
	if err := json.Unmarshal(body, &properties); err != nil {
		return nil, errors.Wrap(err, "unmarshalling registry response properties")
	}
	rawKey, ok := properties[result.KeyID]
	if !ok {
		return &doc, nil
	}
	var publicKeyHex string
	if err := json.Unmarshal(rawKey, &publicKeyHex); err != nil {
		return nil, errors.Wrapf(err, "registry key<%s> is not a string", result.KeyID)
	}
	if _, found := doc.FindVerificationMethod(result.KeyID); !found {
		doc.VerificationMethod = append(doc.VerificationMethod, did.VerificationMethod{
			ID:           doc.VerificationMethodID(result.KeyID),
			Type:         did.EcdsaSecp256k1VerificationKey2019,
			Controller:   id,
			PublicKeyHex: publicKeyHex,
		})
	}
	return &doc, nil
}

// retryableError marks a failure that may succeed on another attempt: transport errors and 5xx responses.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }

func (e *retryableError) Unwrap() error { return e.err }

func retryable(err error) error {
	return &retryableError{err: err}
}

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// asDependencyError classifies a resolution failure other than not-found.
func asDependencyError(err error) error {
	if err == nil || did.IsNotFound(err) || framework.IsKind(err, framework.DependencyErrorKind) {
		return err
	}
	return framework.NewDependencyError(err, "could not resolve did")
}
