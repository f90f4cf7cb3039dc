// Package didauth authenticates requests by a compact JWS signed with the key a DID registry publishes for the
// token's issuer.
package didauth

import (
	"bytes"
	"encoding/base64"
	"math"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/pkg/errors"

	"github.com/tbd54566975/ssi-relay/internal/codec"
)

const (
	TokenType = "JWT"

	RoleIssuer   = "issuer"
	RoleHolder   = "holder"
	RoleVerifier = "verifier"
)

// Header is the protected header of a token. Only ES256K tokens of type JWT are accepted.
type Header struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
	KeyID     string `json:"kid,omitempty"`
}

// Claims is the token payload. Temporal claims are unix seconds and optional; fractional NumericDates are
// truncated to the second. Extra holds every claim not modelled here, with numbers kept as json.Number.
type Claims struct {
	Issuer    string         `json:"iss"`
	Subject   string         `json:"sub"`
	ExpiresAt *int64         `json:"exp,omitempty"`
	NotBefore *int64         `json:"nbf,omitempty"`
	IssuedAt  *int64         `json:"iat,omitempty"`
	Role      string         `json:"role,omitempty"`
	Extra     map[string]any `json:"-"`
}

const (
	claimIssuer    = "iss"
	claimSubject   = "sub"
	claimExpiresAt = "exp"
	claimNotBefore = "nbf"
	claimIssuedAt  = "iat"
	claimRole      = "role"
)

// MarshalJSON writes the modelled claims over Extra, so an extra claim never shadows a registered one.
func (c Claims) MarshalJSON() ([]byte, error) {
	payload := make(map[string]any, len(c.Extra)+6)
	for name, value := range c.Extra {
		payload[name] = value
	}
	payload[claimIssuer] = c.Issuer
	payload[claimSubject] = c.Subject
	for name, date := range map[string]*int64{
		claimExpiresAt: c.ExpiresAt,
		claimNotBefore: c.NotBefore,
		claimIssuedAt:  c.IssuedAt,
	} {
		if date != nil {
			payload[name] = *date
		} else {
			delete(payload, name)
		}
	}
	if c.Role != "" {
		payload[claimRole] = c.Role
	} else {
		delete(payload, claimRole)
	}
	return json.Marshal(payload)
}

func (c *Claims) UnmarshalJSON(data []byte) error {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	claims := Claims{}
	for name, value := range payload {
		var err error
		switch name {
		case claimIssuer:
			err = json.Unmarshal(value, &claims.Issuer)
		case claimSubject:
			err = json.Unmarshal(value, &claims.Subject)
		case claimRole:
			err = json.Unmarshal(value, &claims.Role)
		case claimExpiresAt:
			claims.ExpiresAt, err = numericDate(value)
		case claimNotBefore:
			claims.NotBefore, err = numericDate(value)
		case claimIssuedAt:
			claims.IssuedAt, err = numericDate(value)
		default:
			var extra any
			if extra, err = decodeUsingNumber(value); err == nil {
				if claims.Extra == nil {
					claims.Extra = make(map[string]any)
				}
				claims.Extra[name] = extra
			}
		}
		if err != nil {
			return errors.Wrapf(err, "decoding claim %s", name)
		}
	}
	*c = claims
	return nil
}

// numericDate reads a JSON number of seconds since the epoch. Fractions are dropped; null means absent.
func numericDate(value json.RawMessage) (*int64, error) {
	decoded, err := decodeUsingNumber(value)
	if err != nil || decoded == nil {
		return nil, err
	}
	number, ok := decoded.(json.Number)
	if !ok {
		return nil, errors.Errorf("numeric date must be a number, got %T", decoded)
	}
	if seconds, err := number.Int64(); err == nil {
		return &seconds, nil
	}
	f, err := number.Float64()
	if err != nil {
		return nil, errors.Wrap(err, "parsing numeric date")
	}
	if math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return nil, errors.Errorf("numeric date %s out of range", number)
	}
	seconds := int64(f)
	return &seconds, nil
}

func decodeUsingNumber(value json.RawMessage) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(value))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// NewClaims returns self-issued claims for did, issued now and expiring after ttl.
func NewClaims(did string, now time.Time, ttl time.Duration) Claims {
	iat := now.Unix()
	exp := now.Add(ttl).Unix()
	return Claims{
		Issuer:    did,
		Subject:   did,
		IssuedAt:  &iat,
		ExpiresAt: &exp,
	}
}

// SignToken produces a compact ES256K token over claims. The signature is the 64-byte r||s signature over
// SHA-256 of the JWS signing input.
func SignToken(claims Claims, keyID string, privateKey *codec.PrivateKey) (string, error) {
	if privateKey == nil {
		return "", errors.New("private key cannot be nil")
	}
	headerBytes, err := json.Marshal(Header{Algorithm: jwa.ES256K.String(), Type: TokenType, KeyID: keyID})
	if err != nil {
		return "", errors.Wrap(err, "marshalling token header")
	}
	claimsBytes, err := json.Marshal(claims)
	if err != nil {
		return "", errors.Wrap(err, "marshalling token claims")
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." +
		base64.RawURLEncoding.EncodeToString(claimsBytes)

	signature, err := codec.SignBytes([]byte(signingInput), privateKey)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return strings.Join([]string{signingInput, base64.RawURLEncoding.EncodeToString(signature)}, "."), nil
}
