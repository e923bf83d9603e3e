package security

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func TestKeyLifecycle(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("GenerateKey() length = %d, want 32", len(key))
	}

	other, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if bytes.Equal(key, other) {
		t.Error("two generated keys are identical")
	}

	decoded, err := KeyFromBase64(KeyToBase64(key))
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Error("base64 round trip altered the key")
	}
}

func TestKeyFromBase64_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"not base64", "%%%not-base64%%%"},
		{"sixteen byte key", base64.StdEncoding.EncodeToString(make([]byte, 16))},
		{"thirty-one byte key", base64.StdEncoding.EncodeToString(make([]byte, 31))},
		{"sixty-four byte key", base64.StdEncoding.EncodeToString(make([]byte, 64))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := KeyFromBase64(tt.encoded); err == nil {
				t.Errorf("KeyFromBase64(%q) accepted a bad key", tt.encoded)
			}
		})
	}
}

func TestNewEncryptor_KeySizes(t *testing.T) {
	tests := []struct {
		name    string
		keyLen  int
		nilKey  bool
		wantErr bool
		enabled bool
	}{
		{name: "nil key disables encryption", nilKey: true, enabled: false},
		{name: "empty key disables encryption", keyLen: 0, enabled: false},
		{name: "32 bytes enables encryption", keyLen: 32, enabled: true},
		{name: "16 bytes rejected", keyLen: 16, wantErr: true},
		{name: "33 bytes rejected", keyLen: 33, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var key []byte
			if !tt.nilKey {
				key = make([]byte, tt.keyLen)
			}

			enc, err := NewEncryptor(key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && enc.IsEnabled() != tt.enabled {
				t.Errorf("IsEnabled() = %v, want %v", enc.IsEnabled(), tt.enabled)
			}
		})
	}
}

func newTestEncryptor(t *testing.T) *Encryptor {
	t.Helper()

	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	return enc
}

func TestEncryptor_RoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)

	// The values the stores encrypt at rest are identity claims
	claims := []string{
		"alice",
		"alice@example.com",
		"",
		"openid profile email",
		"renée.müller@example.de",
		strings.Repeat("x", 4096),
	}

	for _, claim := range claims {
		ciphertext, err := enc.Encrypt(claim)
		if err != nil {
			t.Fatalf("Encrypt(%.20q) error = %v", claim, err)
		}
		if ciphertext == claim && claim != "" {
			t.Errorf("Encrypt(%.20q) returned the plaintext", claim)
		}

		got, err := enc.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if got != claim {
			t.Errorf("round trip = %.20q, want %.20q", got, claim)
		}
	}
}

func TestEncryptor_FreshNoncePerCall(t *testing.T) {
	enc := newTestEncryptor(t)

	seen := make(map[string]bool)
	for i := 0; i < 16; i++ {
		c, err := enc.Encrypt("alice@example.com")
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if seen[c] {
			t.Fatal("ciphertext repeated across calls, nonce is being reused")
		}
		seen[c] = true
	}
}

func TestEncryptor_TamperDetected(t *testing.T) {
	enc := newTestEncryptor(t)

	ciphertext, err := enc.Encrypt("alice@example.com")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		t.Fatalf("ciphertext is not base64: %v", err)
	}
	raw[len(raw)-1] ^= 0x01

	if _, err := enc.Decrypt(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Error("Decrypt() accepted a tampered ciphertext")
	}
}

func TestEncryptor_DecryptRejectsGarbage(t *testing.T) {
	enc := newTestEncryptor(t)

	for _, ciphertext := range []string{
		"%%%not-base64%%%",
		base64.StdEncoding.EncodeToString([]byte("tiny")),
		base64.StdEncoding.EncodeToString(make([]byte, 64)),
	} {
		if _, err := enc.Decrypt(ciphertext); err == nil {
			t.Errorf("Decrypt(%q) accepted invalid input", ciphertext)
		}
	}
}

func TestEncryptor_WrongKey(t *testing.T) {
	ciphertext, err := newTestEncryptor(t).Encrypt("alice@example.com")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := newTestEncryptor(t).Decrypt(ciphertext); err == nil {
		t.Error("Decrypt() with a different key succeeded")
	}
}

func TestEncryptor_DisabledPassthrough(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor(nil) error = %v", err)
	}

	ciphertext, err := enc.Encrypt("alice@example.com")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if ciphertext != "alice@example.com" {
		t.Errorf("disabled Encrypt() = %q, want passthrough", ciphertext)
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if got != "alice@example.com" {
		t.Errorf("disabled Decrypt() = %q, want passthrough", got)
	}
}
