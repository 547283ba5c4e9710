// Package authz implements macaroon-style capability tokens (spec.md
// §4.9): a bearer token carries a chain of caveats (namespace, method,
// expiry) and a MAC over that chain, so possession plus validity is
// sufficient to authorize a call without a round-trip to an auth
// service. No macaroon library appears anywhere in the example corpus,
// so the caveat chain and its HMAC are hand-rolled here (see
// DESIGN.md); the caveat-list shape itself mirrors the teacher's
// version/handshake capability negotiation in node/p2p.
package authz

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	"aifs.dev/engine/aifserr"
)

// Caveat restricts what a token authorizes. A token is valid for a call
// only if every caveat it carries is satisfied.
type Caveat struct {
	Namespace string    `json:"namespace,omitempty"` // empty means any namespace
	Method    string    `json:"method,omitempty"`    // empty means any method
	Expires   time.Time `json:"expires,omitempty"`   // zero means no expiry
}

// Token is a capability: an opaque identifier, its caveat chain, and a
// MAC over the whole chain under the issuer's root key.
type Token struct {
	ID      string   `json:"id"`
	Caveats []Caveat `json:"caveats"`
	MAC     string   `json:"mac"` // unpadded base64url HMAC-SHA256
}

// Issuer mints and verifies tokens under a single root key. An engine
// instance owns exactly one Issuer.
type Issuer struct {
	rootKey []byte
}

// NewIssuer returns an Issuer keyed by rootKey (at least 32 bytes
// recommended).
func NewIssuer(rootKey []byte) *Issuer {
	return &Issuer{rootKey: append([]byte(nil), rootKey...)}
}

func (iss *Issuer) computeMAC(id string, caveats []Caveat) (string, error) {
	payload, err := json.Marshal(struct {
		ID      string   `json:"id"`
		Caveats []Caveat `json:"caveats"`
	}{ID: id, Caveats: caveats})
	if err != nil {
		return "", aifserr.Wrap(aifserr.CodeInternal, err)
	}
	mac := hmac.New(sha256.New, iss.rootKey)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Mint issues a new token over the given caveat chain.
func (iss *Issuer) Mint(id string, caveats []Caveat) (Token, error) {
	mac, err := iss.computeMAC(id, caveats)
	if err != nil {
		return Token{}, err
	}
	return Token{ID: id, Caveats: caveats, MAC: mac}, nil
}

// Verify checks a token's MAC, then that every caveat is satisfied for
// the given namespace and method at the given time: an empty
// caveat.Namespace/Method matches anything, and an empty caveat.Expires
// never expires.
func (iss *Issuer) Verify(tok Token, namespace, method string, now time.Time) error {
	wantMAC, err := iss.computeMAC(tok.ID, tok.Caveats)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(wantMAC), []byte(tok.MAC)) {
		return aifserr.New(aifserr.CodePermissionDenied, "authz: invalid token MAC").WithReason("bad_mac")
	}
	for _, c := range tok.Caveats {
		if c.Namespace != "" && c.Namespace != namespace {
			return aifserr.New(aifserr.CodePermissionDenied, "authz: namespace caveat not satisfied").WithReason("namespace_mismatch")
		}
		if c.Method != "" && c.Method != method {
			return aifserr.New(aifserr.CodePermissionDenied, "authz: method caveat not satisfied").WithReason("method_mismatch")
		}
		if !c.Expires.IsZero() && now.After(c.Expires) {
			return aifserr.New(aifserr.CodeUnauthenticated, "authz: token expired").WithReason("expired").WithRetryable(false)
		}
	}
	return nil
}

// Encode serializes a token for the "authorization" bearer transport
// metadata entry (spec.md §4.9/§6).
func Encode(tok Token) (string, error) {
	b, err := json.Marshal(tok)
	if err != nil {
		return "", aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Decode parses a bearer string back into a Token.
func Decode(bearer string) (Token, error) {
	b, err := base64.RawURLEncoding.DecodeString(bearer)
	if err != nil {
		return Token{}, aifserr.New(aifserr.CodeInvalidArgument, "authz: malformed bearer token")
	}
	var tok Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return Token{}, aifserr.New(aifserr.CodeInvalidArgument, "authz: malformed bearer token")
	}
	return tok, nil
}
