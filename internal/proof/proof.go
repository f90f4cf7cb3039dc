// Package proof attaches and checks EcdsaSecp256k1Signature2019 proofs on credentials and presentations.
//
// The signed message is SHA-256(canonical proof options) || SHA-256(canonical document without proof), and the
// proof value is the standard base64 encoding of a compact signature over that message.
//
// Proofs made here sign SHA-256(message) over RFC 8785 JSON. Verification also accepts the SHA-1 digest, and
// canonical JSON with non-ASCII characters escaped as \uXXXX, which is what issuers signing with python-ecdsa
// defaults and json.dumps(sort_keys=True) produce.
package proof

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // digest used by existing python-ecdsa issuers
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/tbd54566975/ssi-relay/internal/codec"
	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
)

const (
	Type = "EcdsaSecp256k1Signature2019"

	AssertionMethodPurpose = "assertionMethod"
	AuthenticationPurpose  = "authentication"

	proofProperty = "proof"
	createdFormat = "2006-01-02T15:04:05Z"

	// first character json.dumps escapes by default
	del = 0x7f
)

type Proof struct {
	Type               string `json:"type"`
	Created            string `json:"created"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	ProofValue         string `json:"proofValue,omitempty"`
}

// Options describe the proof to attach.
type Options struct {
	VerificationMethod string
	Purpose            string
	Created            time.Time
}

// Create signs document and returns it with a proof attached. Any existing proof is replaced.
func Create(document []byte, privateKey *codec.PrivateKey, opts Options) ([]byte, error) {
	if opts.VerificationMethod == "" {
		return nil, framework.NewFieldValidationError("verificationMethod", "required")
	}
	fields, err := decode(document)
	if err != nil {
		return nil, err
	}
	delete(fields, proofProperty)

	purpose := opts.Purpose
	if purpose == "" {
		purpose = AssertionMethodPurpose
	}
	created := opts.Created
	if created.IsZero() {
		created = time.Now()
	}
	p := Proof{
		Type:               Type,
		Created:            created.UTC().Format(createdFormat),
		VerificationMethod: opts.VerificationMethod,
		ProofPurpose:       purpose,
	}

	message, err := signingMessage(fields, p)
	if err != nil {
		return nil, err
	}
	signature, err := codec.SignBytes(message, privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "signing document")
	}
	p.ProofValue = base64.StdEncoding.EncodeToString(signature)

	encodedProof, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "encoding proof")
	}
	fields[proofProperty] = encodedProof
	return json.Marshal(fields)
}

// Extract returns the proof attached to document.
func Extract(document []byte) (*Proof, error) {
	fields, err := decode(document)
	if err != nil {
		return nil, err
	}
	return extract(fields)
}

// Verify checks the proof attached to document against publicKey. A bad signature is an integrity error; a
// missing or malformed proof is a validation error.
func Verify(document []byte, publicKey *codec.PublicKey) error {
	in, err := SigningInput(document)
	if err != nil {
		return err
	}
	if !in.Verify(publicKey) {
		return framework.NewIntegrityError("proof verification failed")
	}
	return nil
}

// Input is a proof together with what it signs, for callers that look up the signer's key themselves.
type Input struct {
	Proof     Proof
	Signature []byte

	// canonical message first, then the ASCII-escaped variant when it differs
	messages [][]byte
}

// Message is the canonical message the proof signs.
func (in Input) Message() []byte {
	if len(in.messages) == 0 {
		return nil
	}
	return in.messages[0]
}

// Verify reports whether the signature is publicKey's over any accepted encoding and digest of the message.
func (in Input) Verify(publicKey *codec.PublicKey) bool {
	for _, message := range in.messages {
		sha256Digest := sha256.Sum256(message)
		if codec.VerifyDigest(sha256Digest[:], in.Signature, publicKey) {
			return true
		}
		sha1Digest := sha1.Sum(message) //nolint:gosec
		if codec.VerifyDigest(sha1Digest[:], in.Signature, publicKey) {
			return true
		}
	}
	return false
}

// SigningInput decodes the proof attached to document and rebuilds the message it signs.
func SigningInput(document []byte) (*Input, error) {
	fields, err := decode(document)
	if err != nil {
		return nil, err
	}
	p, err := extract(fields)
	if err != nil {
		return nil, err
	}
	if p.Type != Type {
		return nil, framework.NewValidationError("unsupported proof type")
	}
	signature, err := base64.StdEncoding.DecodeString(p.ProofValue)
	if err != nil {
		return nil, framework.NewValidationError("proof value is not valid base64")
	}
	delete(fields, proofProperty)

	unsigned := *p
	unsigned.ProofValue = ""
	canonicalProof, canonicalDocument, err := canonicalParts(fields, unsigned)
	if err != nil {
		return nil, err
	}
	messages := [][]byte{joinHashes(canonicalProof, canonicalDocument)}
	if hasNonASCII(canonicalProof) || hasNonASCII(canonicalDocument) {
		messages = append(messages, joinHashes(escapeNonASCII(canonicalProof), escapeNonASCII(canonicalDocument)))
	}
	return &Input{Proof: *p, Signature: signature, messages: messages}, nil
}

// Controller is the DID part of the proof's verification method.
func (p Proof) Controller() string {
	if i := strings.Index(p.VerificationMethod, "#"); i >= 0 {
		return p.VerificationMethod[:i]
	}
	return p.VerificationMethod
}

func signingMessage(unsigned map[string]json.RawMessage, p Proof) ([]byte, error) {
	canonicalProof, canonicalDocument, err := canonicalParts(unsigned, p)
	if err != nil {
		return nil, err
	}
	return joinHashes(canonicalProof, canonicalDocument), nil
}

func canonicalParts(unsigned map[string]json.RawMessage, p Proof) (canonicalProof, canonicalDocument []byte, err error) {
	if canonicalProof, err = codec.Canonicalize(p); err != nil {
		return nil, nil, err
	}
	if canonicalDocument, err = codec.Canonicalize(unsigned); err != nil {
		return nil, nil, err
	}
	return canonicalProof, canonicalDocument, nil
}

func joinHashes(canonicalProof, canonicalDocument []byte) []byte {
	proofHash := sha256.Sum256(canonicalProof)
	documentHash := sha256.Sum256(canonicalDocument)
	return append(proofHash[:], documentHash[:]...)
}

func hasNonASCII(b []byte) bool {
	for _, c := range b {
		if c >= del {
			return true
		}
	}
	return false
}

// escapeNonASCII rewrites DEL and every non-ASCII character of canonical JSON as lowercase \uXXXX escapes,
// with surrogate pairs outside the BMP. Such characters only occur inside strings, so the result is still JSON.
func escapeNonASCII(canonical []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(canonical))
	for _, r := range string(canonical) {
		if r < del {
			buf.WriteRune(r)
			continue
		}
		for _, unit := range utf16.Encode([]rune{r}) {
			fmt.Fprintf(&buf, `\u%04x`, unit)
		}
	}
	return buf.Bytes()
}

func decode(document []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(document, &fields); err != nil || fields == nil {
		return nil, framework.NewValidationError("document must be a JSON object")
	}
	return fields, nil
}

func extract(fields map[string]json.RawMessage) (*Proof, error) {
	raw, ok := fields[proofProperty]
	if !ok {
		return nil, framework.NewValidationError("document has no proof")
	}
	var p Proof
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, framework.NewValidationError("document proof is malformed")
	}
	if p.ProofValue == "" || p.VerificationMethod == "" {
		return nil, framework.NewValidationError("document proof is incomplete")
	}
	return &p, nil
}
