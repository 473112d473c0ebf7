package crypto

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer("test-secret")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	env := map[string]string{"API_URL": "https://example.test", "EMPTY": ""}
	sealed, err := sealer.SealMap(env)
	if err != nil {
		t.Fatalf("SealMap: %v", err)
	}
	if sealed["API_URL"] == env["API_URL"] {
		t.Fatalf("expected value to be encrypted")
	}
	opened, err := sealer.OpenMap(sealed)
	if err != nil {
		t.Fatalf("OpenMap: %v", err)
	}
	if diff := cmp.Diff(env, opened); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSealerRejectsWrongKey(t *testing.T) {
	a, _ := NewSealer("key-a")
	b, _ := NewSealer("key-b")
	sealed, err := a.Seal("value")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Fatalf("expected open with wrong key to fail")
	}
	if _, err := a.Open("not base64!"); err == nil {
		t.Fatalf("expected malformed payload to fail")
	}
}

func TestNewSealerRequiresSecret(t *testing.T) {
	if _, err := NewSealer(""); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}
