// Package registry holds the immutable client registry loaded at startup:
// client identifiers, their hashed keys, and their destination allowlists.
// It is read-only once constructed and shared by reference across the
// daemon, per the config loader's ownership rule.
package registry

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Wildcard is the allowlist token meaning "any registered client".
const Wildcard = "*"

// Client is an immutable client descriptor.
type Client struct {
	ID      string
	KeyHash string // lowercase hex-encoded SHA-256 digest of the plaintext secret
	Allow   map[string]struct{}
}

// CanSendTo reports whether this client's allowlist permits routing to to.
func (c *Client) CanSendTo(to string) bool {
	if _, ok := c.Allow[Wildcard]; ok {
		return true
	}
	_, ok := c.Allow[to]
	return ok
}

// AllowList returns the allowlist as a sorted-free slice, used for status
// and whoami responses.
func (c *Client) AllowList() []string {
	out := make([]string, 0, len(c.Allow))
	for dest := range c.Allow {
		out = append(out, dest)
	}
	return out
}

// Registry is the frozen set of clients known to the daemon.
type Registry struct {
	clients map[string]*Client
}

// New builds a registry from already-validated client descriptors. Callers
// should use config.Load, which validates identifiers and key hashes
// before constructing client descriptors.
func New(clients []*Client) *Registry {
	m := make(map[string]*Client, len(clients))
	for _, c := range clients {
		m[c.ID] = c
	}
	return &Registry{clients: m}
}

// Lookup returns the client descriptor for id, or false if unknown.
func (r *Registry) Lookup(id string) (*Client, bool) {
	c, ok := r.clients[id]
	return c, ok
}

// Known reports whether id is a registered client.
func (r *Registry) Known(id string) bool {
	_, ok := r.clients[id]
	return ok
}

// All returns every registered client descriptor, used by /api/status.
func (r *Registry) All() []*Client {
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// HashKey returns the lowercase hex-encoded SHA-256 digest of a plaintext
// secret, the form in which client key hashes and the admin token hash are
// persisted in the config file.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifyKey checks a plaintext secret against a stored hex-encoded digest
// using a constant-time comparison, length-checked first. This is required
// for both client-key and admin-token checks to avoid timing oracles.
func VerifyKey(plaintext, storedHash string) bool {
	candidate := HashKey(plaintext)
	if len(candidate) != len(storedHash) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(storedHash)) == 1
}

// Authenticate looks up id and verifies apiKey against its stored key hash
// in constant time. It returns the client descriptor only on success.
func (r *Registry) Authenticate(id, apiKey string) (*Client, bool) {
	c, ok := r.clients[id]
	if !ok {
		// Still perform a hash+compare against a fixed dummy value so that
		// unknown-client and wrong-key failures take comparable time.
		VerifyKey(apiKey, HashKey(""))
		return nil, false
	}
	if !VerifyKey(apiKey, c.KeyHash) {
		return nil, false
	}
	return c, true
}

// Validate checks the structural rules every client descriptor must
// satisfy: non-empty unique identifiers and non-empty key hashes.
// Allowlist entries are not checked against the registered identifiers.
func Validate(clients []*Client) error {
	if len(clients) == 0 {
		return fmt.Errorf("registry: clients list must be non-empty")
	}
	seen := make(map[string]struct{}, len(clients))
	for _, c := range clients {
		if c.ID == "" {
			return fmt.Errorf("registry: client identifier is required")
		}
		if c.KeyHash == "" {
			return fmt.Errorf("registry: client %q is missing a key hash", c.ID)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("registry: duplicate client identifier %q", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}
