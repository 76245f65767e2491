package storage

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts segment payloads with XChaCha20-Poly1305 before they reach
// blob storage. The keyring supports rotation: new recordings seal with the
// active key while older recordings keep decrypting with the key recorded in
// their encryption_key_ref. An empty keyring disables sealing entirely.
type Sealer struct {
	keys   map[string]cipher.AEAD
	active string
}

// NewSealer builds a sealer from a key id to 32-byte key map. active names
// the key used for new recordings and must be present when keys is non-empty.
func NewSealer(keys map[string][]byte, active string) (*Sealer, error) {
	s := &Sealer{keys: make(map[string]cipher.AEAD), active: active}
	for id, key := range keys {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("building aead for key %s: %w", id, err)
		}
		s.keys[id] = aead
	}
	if len(s.keys) > 0 {
		if _, ok := s.keys[active]; !ok {
			return nil, fmt.Errorf("active key %q not in keyring", active)
		}
	}
	return s, nil
}

// ActiveKeyRef returns the key id new recordings should record, or the empty
// string when sealing is disabled.
func (s *Sealer) ActiveKeyRef() string {
	if len(s.keys) == 0 {
		return ""
	}
	return s.active
}

// Seal encrypts plaintext under keyRef. The 24-byte nonce is prepended to the
// ciphertext. An empty keyRef passes the payload through unchanged, matching
// recordings created while sealing was disabled.
func (s *Sealer) Seal(keyRef string, plaintext []byte) ([]byte, error) {
	if keyRef == "" {
		return plaintext, nil
	}
	aead, ok := s.keys[keyRef]
	if !ok {
		return nil, fmt.Errorf("unknown recording key %q", keyRef)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal with the same keyRef.
func (s *Sealer) Open(keyRef string, sealed []byte) ([]byte, error) {
	if keyRef == "" {
		return sealed, nil
	}
	aead, ok := s.keys[keyRef]
	if !ok {
		return nil, fmt.Errorf("unknown recording key %q", keyRef)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("sealed payload too short: %d bytes", len(sealed))
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed payload: %w", err)
	}
	return plaintext, nil
}
