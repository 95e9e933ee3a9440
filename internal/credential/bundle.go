package credential

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidBundle marks a credential bundle that failed validation. It is
// client-caused and must never be retried.
var ErrInvalidBundle = errors.New("invalid credential bundle")

// identityPattern matches the phone-like handles the chat network issues.
var identityPattern = regexp.MustCompile(`^\+?[0-9]{6,20}$`)

// Bundle is a parsed session credential: the external identity it is bound
// to, display metadata, and the opaque session secret. The orchestration
// core never inspects Session past parsing.
type Bundle struct {
	ExternalIdentity string `json:"identity"`
	DisplayName      string `json:"display_name"`
	Session          []byte `json:"-"`
}

// wireBundle is the JSON document the pairing flow submits.
type wireBundle struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name"`
	Session     string `json:"session"`
}

// ParseBundle validates and decodes a raw credential bundle document.
// Any failure is wrapped in ErrInvalidBundle.
func ParseBundle(raw []byte) (*Bundle, error) {
	var wire wireBundle
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: malformed document: %v", ErrInvalidBundle, err)
	}

	if wire.Identity == "" {
		return nil, fmt.Errorf("%w: missing identity", ErrInvalidBundle)
	}
	if !identityPattern.MatchString(wire.Identity) {
		return nil, fmt.Errorf("%w: identity %q is not a valid handle", ErrInvalidBundle, wire.Identity)
	}
	if wire.Session == "" {
		return nil, fmt.Errorf("%w: missing session secret", ErrInvalidBundle)
	}

	session, err := base64.StdEncoding.DecodeString(wire.Session)
	if err != nil {
		return nil, fmt.Errorf("%w: session secret is not valid base64", ErrInvalidBundle)
	}

	return &Bundle{
		ExternalIdentity: wire.Identity,
		DisplayName:      wire.DisplayName,
		Session:          session,
	}, nil
}

// Encode serializes the bundle back to its wire form, used when routing an
// update to the owning server.
func (b *Bundle) Encode() ([]byte, error) {
	return json.Marshal(wireBundle{
		Identity:    b.ExternalIdentity,
		DisplayName: b.DisplayName,
		Session:     base64.StdEncoding.EncodeToString(b.Session),
	})
}
