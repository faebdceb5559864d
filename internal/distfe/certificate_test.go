package distfe

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

func TestAuthorizerCandidatesOrder(t *testing.T) {
	got := authorizerCandidates("SP", "91")
	if got[0] != "35" || got[1] != "91" {
		t.Fatalf("head = %v, want [35 91 ...]", got[:2])
	}
	seen := make(map[string]bool)
	for _, c := range got {
		if seen[c] {
			t.Fatalf("duplicate candidate %q", c)
		}
		seen[c] = true
	}
	// 27 states plus the national code.
	if len(got) != 28 {
		t.Fatalf("candidates = %d, want 28", len(got))
	}
}

func TestAuthorizerCandidatesUnknownState(t *testing.T) {
	got := authorizerCandidates("ZZ", "91")
	if got[0] != "91" {
		t.Fatalf("unknown state should start at the fallback, got %q", got[0])
	}
	if len(got) != 28 {
		t.Fatalf("candidates = %d, want 28", len(got))
	}
}

func TestAuthorizerCandidatesCaseInsensitive(t *testing.T) {
	if got := authorizerCandidates(" sp ", ""); got[0] != "35" {
		t.Fatalf("state lookup should normalize case and spacing, got %q", got[0])
	}
}

func TestAllUFCodesSortedWithNational(t *testing.T) {
	codes := allUFCodes()
	for i := 1; i < len(codes); i++ {
		if codes[i-1] >= codes[i] {
			t.Fatalf("codes not strictly ascending at %d: %v", i, codes)
		}
	}
	if codes[len(codes)-1] != nationalEnvironmentUF {
		t.Fatalf("national code should sort last, got %v", codes)
	}
}

func TestSealUnsealRoundTrip(t *testing.T) {
	keyHex := strings.Repeat("ab", 32)
	nonce := bytes.Repeat([]byte{7}, 12)
	plaintext := []byte("pkcs12 bundle bytes")

	sealed, err := Seal(keyHex, nonce, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	key, _ := hex.DecodeString(keyHex)
	got, err := unseal(key, sealed)
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestUnsealRejectsTampering(t *testing.T) {
	keyHex := strings.Repeat("cd", 32)
	nonce := bytes.Repeat([]byte{1}, 12)
	sealed, err := Seal(keyHex, nonce, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	sealed[len(sealed)-1] ^= 0xff
	key, _ := hex.DecodeString(keyHex)
	if _, err := unseal(key, sealed); err == nil {
		t.Fatal("tampered ciphertext must fail authentication")
	}
}

func TestSealRejectsBadKey(t *testing.T) {
	if _, err := Seal("deadbeef", bytes.Repeat([]byte{0}, 12), []byte("x")); err == nil {
		t.Fatal("short key must be rejected")
	}
	if _, err := OpenBundle("not-hex", nil, nil); err == nil {
		t.Fatal("non-hex key must be rejected")
	}
}
