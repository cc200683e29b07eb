package phi

import (
	"strings"
	"testing"
)

func newTestCipher(t *testing.T) *FieldCipher {
	t.Helper()
	fc, err := NewFieldCipher(testMasterKey())
	if err != nil {
		t.Fatalf("NewFieldCipher() error: %v", err)
	}
	return fc
}

func TestFieldCipher_RoundTrip(t *testing.T) {
	fc := newTestCipher(t)

	cases := []struct {
		name      string
		plaintext string
	}{
		{"simple", "John"},
		{"empty", ""},
		{"unicode", "José Muñoz 日本語"},
		{"date", "1985-03-14"},
		{"long", strings.Repeat("medical history entry ", 200)},
		{"contains colon", "a:b:c"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, err := fc.Encrypt(tc.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error: %v", err)
			}
			if ciphertext == tc.plaintext && tc.plaintext != "" {
				t.Error("ciphertext equals plaintext")
			}

			got, err := fc.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt() error: %v", err)
			}
			if got != tc.plaintext {
				t.Errorf("round trip mismatch: got %q, want %q", got, tc.plaintext)
			}
		})
	}
}

func TestFieldCipher_NonDeterministic(t *testing.T) {
	fc := newTestCipher(t)

	a, err := fc.Encrypt("same value")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	b, err := fc.Encrypt("same value")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if a == b {
		t.Error("expected different ciphertexts for the same plaintext")
	}
}

func TestFieldCipher_KeySize(t *testing.T) {
	for _, size := range []int{0, 16, 31, 33, 64} {
		if _, err := NewFieldCipher(make([]byte, size)); err == nil {
			t.Errorf("expected error for %d-byte key", size)
		}
	}
}

func TestFieldCipher_DecryptErrors(t *testing.T) {
	fc := newTestCipher(t)

	if _, err := fc.Decrypt("not base64 !!!"); err == nil {
		t.Error("expected error for invalid base64")
	}

	// Too short to contain a nonce.
	if _, err := fc.Decrypt("YWJj"); err == nil {
		t.Error("expected error for truncated ciphertext")
	}

	// Valid ciphertext tampered with fails authentication.
	ciphertext, err := fc.Encrypt("sensitive")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	tampered := []byte(ciphertext)
	if tampered[len(tampered)-5] == 'A' {
		tampered[len(tampered)-5] = 'B'
	} else {
		tampered[len(tampered)-5] = 'A'
	}
	if _, err := fc.Decrypt(string(tampered)); err == nil {
		t.Error("expected error for tampered ciphertext")
	}
}

func TestFieldCipher_WrongKey(t *testing.T) {
	fc := newTestCipher(t)

	otherKey := testMasterKey()
	otherKey[0] ^= 0xff
	other, err := NewFieldCipher(otherKey)
	if err != nil {
		t.Fatalf("NewFieldCipher() error: %v", err)
	}

	ciphertext, err := fc.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if _, err := other.Decrypt(ciphertext); err == nil {
		t.Error("expected decryption with wrong key to fail")
	}
}
