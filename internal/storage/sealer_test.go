package storage

import (
	"bytes"
	"testing"
)

func testKeyring() map[string][]byte {
	k1 := make([]byte, 32)
	k2 := make([]byte, 32)
	for i := range k1 {
		k1[i] = byte(i)
		k2[i] = byte(255 - i)
	}
	return map[string][]byte{"k1": k1, "k2": k2}
}

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer(testKeyring(), "k1")
	if err != nil {
		t.Fatalf("NewSealer() error: %v", err)
	}
	if s.ActiveKeyRef() != "k1" {
		t.Fatalf("ActiveKeyRef() = %q, want k1", s.ActiveKeyRef())
	}

	plaintext := []byte("pcm audio frame data")
	sealed, err := s.Seal("k1", plaintext)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if bytes.Equal(sealed, plaintext) {
		t.Fatal("sealed payload should differ from plaintext")
	}
	if len(sealed) <= len(plaintext) {
		t.Fatal("sealed payload should carry nonce and tag overhead")
	}

	opened, err := s.Open("k1", sealed)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}
}

func TestSealerKeyRotation(t *testing.T) {
	s, err := NewSealer(testKeyring(), "k2")
	if err != nil {
		t.Fatalf("NewSealer() error: %v", err)
	}

	// Older recordings sealed under k1 still open while k2 is active.
	sealed, err := s.Seal("k1", []byte("old recording"))
	if err != nil {
		t.Fatalf("Seal(k1) error: %v", err)
	}
	opened, err := s.Open("k1", sealed)
	if err != nil {
		t.Fatalf("Open(k1) error: %v", err)
	}
	if string(opened) != "old recording" {
		t.Errorf("Open(k1) = %q", opened)
	}
}

func TestSealerWrongKeyFails(t *testing.T) {
	s, err := NewSealer(testKeyring(), "k1")
	if err != nil {
		t.Fatalf("NewSealer() error: %v", err)
	}

	sealed, err := s.Seal("k1", []byte("secret"))
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if _, err := s.Open("k2", sealed); err == nil {
		t.Fatal("Open() with the wrong key should fail")
	}
}

func TestSealerTamperDetected(t *testing.T) {
	s, err := NewSealer(testKeyring(), "k1")
	if err != nil {
		t.Fatalf("NewSealer() error: %v", err)
	}

	sealed, err := s.Seal("k1", []byte("secret"))
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := s.Open("k1", sealed); err == nil {
		t.Fatal("Open() on tampered payload should fail")
	}
}

func TestSealerPassthroughWhenDisabled(t *testing.T) {
	s, err := NewSealer(nil, "")
	if err != nil {
		t.Fatalf("NewSealer() error: %v", err)
	}
	if s.ActiveKeyRef() != "" {
		t.Fatalf("ActiveKeyRef() = %q, want empty when disabled", s.ActiveKeyRef())
	}

	payload := []byte("plain segment")
	sealed, err := s.Seal("", payload)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if !bytes.Equal(sealed, payload) {
		t.Error("empty keyRef should pass the payload through")
	}
	opened, err := s.Open("", sealed)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !bytes.Equal(opened, payload) {
		t.Error("empty keyRef should pass the payload through on open")
	}
}

func TestSealerUnknownKeyRef(t *testing.T) {
	s, err := NewSealer(testKeyring(), "k1")
	if err != nil {
		t.Fatalf("NewSealer() error: %v", err)
	}

	if _, err := s.Seal("k9", []byte("x")); err == nil {
		t.Fatal("Seal() with unknown keyRef should fail")
	}
	if _, err := s.Open("k9", []byte("x")); err == nil {
		t.Fatal("Open() with unknown keyRef should fail")
	}
}

func TestSealerShortPayload(t *testing.T) {
	s, err := NewSealer(testKeyring(), "k1")
	if err != nil {
		t.Fatalf("NewSealer() error: %v", err)
	}

	if _, err := s.Open("k1", []byte("too short")); err == nil {
		t.Fatal("Open() on a payload shorter than the nonce should fail")
	}
}

func TestNewSealerRejectsBadKeys(t *testing.T) {
	if _, err := NewSealer(map[string][]byte{"k1": []byte("short")}, "k1"); err == nil {
		t.Fatal("NewSealer() with a short key should fail")
	}
	if _, err := NewSealer(testKeyring(), "missing"); err == nil {
		t.Fatal("NewSealer() with an active key outside the ring should fail")
	}
}
