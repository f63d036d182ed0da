package integrity

import (
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// DefaultKeyID is used when a single key is configured without an id.
const DefaultKeyID = "v1"

// Keyring stores root HMAC keys and the id of the key used for new signatures.
// Signing keys are derived per scope so a leaked scope key cannot sign for
// another organization or manufacturer.
type Keyring struct {
	keys        map[string][]byte
	activeKeyID string
}

// NewKeyring constructs a keyring for HMAC signing and verification.
func NewKeyring(keys map[string][]byte, activeKeyID string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("hmac keys are required")
	}
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		return nil, fmt.Errorf("active hmac key id is required")
	}
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("active hmac key id %q is not configured", activeKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) == 0 {
			return nil, fmt.Errorf("hmac key %q is empty", id)
		}
		cp[id] = append([]byte(nil), key...)
	}
	return &Keyring{keys: cp, activeKeyID: activeKeyID}, nil
}

// ParseKeys builds a keyring from an "id=secret,id2=secret2" list, or from a
// single secret when list is empty. activeKeyID defaults to DefaultKeyID.
func ParseKeys(list, single, activeKeyID string) (*Keyring, error) {
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		activeKeyID = DefaultKeyID
	}
	list = strings.TrimSpace(list)
	if list == "" {
		single = strings.TrimSpace(single)
		if single == "" {
			return nil, fmt.Errorf("an hmac key is required")
		}
		return NewKeyring(map[string][]byte{activeKeyID: []byte(single)}, activeKeyID)
	}
	keys := make(map[string][]byte)
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, value, ok := strings.Cut(entry, "=")
		id, value = strings.TrimSpace(id), strings.TrimSpace(value)
		if !ok || id == "" || value == "" {
			return nil, fmt.Errorf("invalid hmac key entry %q", entry)
		}
		keys[id] = []byte(value)
	}
	return NewKeyring(keys, activeKeyID)
}

// ActiveKeyID returns the configured signing key id.
func (k *Keyring) ActiveKeyID() string {
	if k == nil {
		return ""
	}
	return k.activeKeyID
}

// Sign signs value with the active key derived for scope.
func (k *Keyring) Sign(scope, value string) (string, string, error) {
	if k == nil {
		return "", "", fmt.Errorf("hmac keyring is not configured")
	}
	key, err := k.DeriveKey(k.activeKeyID, scope)
	if err != nil {
		return "", "", err
	}
	return hmacSHA256Hex(key, value), k.activeKeyID, nil
}

// Verify recomputes the signature of value under keyID and scope.
func (k *Keyring) Verify(scope, value, signature, keyID string) error {
	if k == nil {
		return fmt.Errorf("hmac keyring is not configured")
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return fmt.Errorf("signature key id is required")
	}
	key, err := k.DeriveKey(keyID, scope)
	if err != nil {
		return err
	}
	expected := hmacSHA256Hex(key, value)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// DeriveKey returns the 32-byte HKDF key for scope under the root key keyID.
func (k *Keyring) DeriveKey(keyID, scope string) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("hmac keyring is not configured")
	}
	rootKey, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("hmac key id %q is unknown", keyID)
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, fmt.Errorf("signing scope is required")
	}
	key, err := hkdf.Key(sha256.New, rootKey, nil, scope, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key for %s: %w", scope, err)
	}
	return key, nil
}

// OrganizationScope is the derivation scope for ledger entry signatures.
func OrganizationScope(organizationID string) string {
	return "organization:" + strings.TrimSpace(organizationID)
}

// ManufacturerScope is the derivation scope for product codes.
func ManufacturerScope(manufacturerID string) string {
	return "manufacturer:" + strings.TrimSpace(manufacturerID)
}

func hmacSHA256Hex(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
