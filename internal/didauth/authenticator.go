package didauth

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tbd54566975/ssi-relay/internal/codec"
	"github.com/tbd54566975/ssi-relay/internal/did"
	"github.com/tbd54566975/ssi-relay/internal/util"
	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
)

const (
	DefaultDIDPrefix = "did:"
	DefaultClockSkew = 60 * time.Second

	bearerScheme = "Bearer "
)

// Rejection reasons. They are returned to clients and used as the metric label.
const (
	ReasonMissingCredential    = "missing credential"
	ReasonMalformedToken       = "malformed token"
	ReasonUnsupportedAlgorithm = "unsupported algorithm"
	ReasonInvalidClaims        = "invalid claims"
	ReasonTokenExpired         = "token expired"
	ReasonTokenNotYetValid     = "token not yet valid"
	ReasonDIDNotFound          = "DID not found"
	ReasonDIDInactive          = "DID inactive"
	ReasonNoVerificationKey    = "no verification key"
	ReasonInvalidSignature     = "invalid signature"
)

// Identity is the caller an authenticated token speaks for.
type Identity struct {
	DID    string
	Role   string
	Claims Claims
}

// HasRole reports whether the token asserted role.
func (i *Identity) HasRole(role string) bool {
	return i != nil && i.Role == role
}

type Options struct {
	// DIDPrefix every issuer must start with. Defaults to "did:".
	DIDPrefix string
	// ClockSkew tolerated on exp, nbf and iat. Defaults to 60s.
	ClockSkew time.Duration
	Clock     clock.Clock
}

// Authenticator verifies DID-bound tokens. Every verification resolves the issuer afresh.
type Authenticator struct {
	resolver  did.Resolver
	didPrefix string
	clockSkew time.Duration
	clock     clock.Clock
}

func NewAuthenticator(resolver did.Resolver, opts Options) (*Authenticator, error) {
	if resolver == nil {
		return nil, errors.New("resolver cannot be nil")
	}
	if opts.DIDPrefix == "" {
		opts.DIDPrefix = DefaultDIDPrefix
	}
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = DefaultClockSkew
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Authenticator{
		resolver:  resolver,
		didPrefix: opts.DIDPrefix,
		clockSkew: opts.ClockSkew,
		clock:     opts.Clock,
	}, nil
}

// Authenticate verifies the bearer token in an Authorization header value.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (*Identity, error) {
	token, ok := bearerToken(authorization)
	if !ok {
		return nil, reject(ReasonMissingCredential)
	}
	return a.VerifyToken(ctx, token)
}

// AuthenticateOptional is Authenticate for routes that also serve anonymous callers: no credential yields no
// identity and no error, a present but invalid credential is rejected in full.
func (a *Authenticator) AuthenticateOptional(ctx context.Context, authorization string) (*Identity, error) {
	if strings.TrimSpace(authorization) == "" {
		return nil, nil
	}
	return a.Authenticate(ctx, authorization)
}

// VerifyToken checks a compact token. Structure, algorithm, claims and validity window are all checked before
// the issuer is resolved.
func (a *Authenticator) VerifyToken(ctx context.Context, token string) (identity *Identity, err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("recovered from panic verifying token: %v", r)
			identity, err = nil, reject(ReasonInvalidSignature)
		}
	}()

	if strings.Count(token, ".") != 2 {
		return nil, reject(ReasonMalformedToken)
	}
	encodedHeader, encodedPayload, encodedSignature, err := jws.SplitCompact([]byte(token))
	if err != nil {
		return nil, reject(ReasonMalformedToken)
	}
	var header Header
	if err = decodeSegment(encodedHeader, &header); err != nil {
		return nil, reject(ReasonMalformedToken)
	}
	var claims Claims
	if err = decodeSegment(encodedPayload, &claims); err != nil {
		return nil, reject(ReasonMalformedToken)
	}
	signature, err := base64.RawURLEncoding.DecodeString(string(encodedSignature))
	if err != nil {
		return nil, reject(ReasonMalformedToken)
	}

	if header.Algorithm != jwa.ES256K.String() || header.Type != TokenType {
		return nil, reject(ReasonUnsupportedAlgorithm)
	}
	if claims.Issuer == "" || claims.Issuer != claims.Subject || !strings.HasPrefix(claims.Issuer, a.didPrefix) {
		return nil, reject(ReasonInvalidClaims)
	}
	if err = a.checkValidity(claims); err != nil {
		return nil, err
	}

	signingInput := make([]byte, 0, len(encodedHeader)+1+len(encodedPayload))
	signingInput = append(signingInput, encodedHeader...)
	signingInput = append(signingInput, '.')
	signingInput = append(signingInput, encodedPayload...)
	if err = a.VerifyDIDSignature(ctx, claims.Issuer, signingInput, signature); err != nil {
		return nil, err
	}

	return &Identity{
		DID:    claims.Issuer,
		Role:   claims.Role,
		Claims: claims,
	}, nil
}

// VerifyDIDSignature checks that signature is a signature by id's current key over message.
func (a *Authenticator) VerifyDIDSignature(ctx context.Context, id string, message, signature []byte) error {
	publicKey, err := a.VerificationKey(ctx, id)
	if err != nil {
		return err
	}
	if !codec.VerifyBytes(message, signature, publicKey) {
		return reject(ReasonInvalidSignature)
	}
	return nil
}

// VerificationKey returns id's current key: id must resolve, be active, and publish the key its document names.
func (a *Authenticator) VerificationKey(ctx context.Context, id string) (*codec.PublicKey, error) {
	doc, err := a.resolver.Resolve(ctx, id)
	if err != nil {
		if did.IsNotFound(err) {
			return nil, reject(ReasonDIDNotFound)
		}
		logrus.WithError(err).Errorf("could not resolve %s", util.SanitizeLog(id))
		rejections.WithLabelValues("resolution failure").Inc()
		if framework.IsKind(err, framework.DependencyErrorKind) {
			return nil, err
		}
		return nil, framework.NewDependencyError(err, "could not resolve did")
	}
	if doc == nil || doc.IsEmpty() {
		return nil, reject(ReasonDIDNotFound)
	}
	if !doc.IsActive() {
		rejections.WithLabelValues(ReasonDIDInactive).Inc()
		return nil, &framework.Error{
			Kind:   framework.AuthenticationErrorKind,
			Msg:    ReasonDIDInactive,
			Fields: map[string]string{"status": string(doc.Status)},
		}
	}
	publicKey, err := doc.VerificationKey()
	if err != nil {
		logrus.WithError(err).Warnf("no usable verification key for %s", util.SanitizeLog(id))
		return nil, reject(ReasonNoVerificationKey)
	}
	return publicKey, nil
}

func (a *Authenticator) checkValidity(claims Claims) error {
	now := a.clock.Now()
	if claims.ExpiresAt != nil && now.After(time.Unix(*claims.ExpiresAt, 0).Add(a.clockSkew)) {
		return reject(ReasonTokenExpired)
	}
	if claims.NotBefore != nil && time.Unix(*claims.NotBefore, 0).After(now.Add(a.clockSkew)) {
		return reject(ReasonTokenNotYetValid)
	}
	if claims.IssuedAt != nil && time.Unix(*claims.IssuedAt, 0).After(now.Add(a.clockSkew)) {
		return reject(ReasonTokenNotYetValid)
	}
	return nil
}

func bearerToken(authorization string) (string, bool) {
	if len(authorization) <= len(bearerScheme) || !strings.EqualFold(authorization[:len(bearerScheme)], bearerScheme) {
		return "", false
	}
	token := strings.TrimSpace(authorization[len(bearerScheme):])
	return token, token != ""
}

func decodeSegment(segment []byte, v any) error {
	decoded, err := base64.RawURLEncoding.DecodeString(string(segment))
	if err != nil {
		return err
	}
	return json.Unmarshal(decoded, v)
}

func reject(reason string) error {
	rejections.WithLabelValues(reason).Inc()
	return framework.NewAuthenticationError(reason)
}
