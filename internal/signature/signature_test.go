package signature

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

const testSecret = "naBsZjUEJ6GhkgJF"

func TestNew_RequiresSecret(t *testing.T) {
	if _, err := New("", 0); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestDeriveSeed(t *testing.T) {
	seed := deriveSeed("abc")
	if len(seed) != ed25519.SeedSize {
		t.Fatalf("seed length = %d, want %d", len(seed), ed25519.SeedSize)
	}
	if !strings.HasPrefix(string(seed), "abcabc") {
		t.Errorf("seed = %q, want repeated secret", seed)
	}

	// A secret longer than the seed is truncated.
	long := strings.Repeat("x", 40)
	if got := deriveSeed(long); len(got) != ed25519.SeedSize {
		t.Errorf("long secret seed length = %d", len(got))
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	v, err := New(testSecret, 0)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	body := []byte(`{"op":0,"d":{}}`)
	ts := fmt.Sprintf("%d", time.Now().Unix())
	sig := v.Sign(body, ts)

	if err := v.Verify(body, sig, ts); err != nil {
		t.Fatalf("Verify error: %v", err)
	}
}

func TestVerify_TamperedBody(t *testing.T) {
	v, _ := New(testSecret, 0)

	body := []byte("original")
	ts := fmt.Sprintf("%d", time.Now().Unix())
	sig := v.Sign(body, ts)

	err := v.Verify([]byte("tampered"), sig, ts)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerify_MalformedSignature(t *testing.T) {
	v, _ := New(testSecret, 0)
	ts := fmt.Sprintf("%d", time.Now().Unix())

	for _, sig := range []string{"", "zz", "deadbeef"} {
		if err := v.Verify([]byte("x"), sig, ts); !errors.Is(err, ErrBadSignature) {
			t.Errorf("sig %q: err = %v, want ErrBadSignature", sig, err)
		}
	}
}

func TestVerify_StaleTimestamp(t *testing.T) {
	v, _ := New(testSecret, time.Minute)
	v.now = func() time.Time { return time.Unix(10000, 0) }

	body := []byte("x")
	old := "9000" // 1000s in the past, window is 60s
	sig := v.Sign(body, old)
	if err := v.Verify(body, sig, old); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("err = %v, want ErrStaleTimestamp", err)
	}

	future := "11000"
	sig = v.Sign(body, future)
	if err := v.Verify(body, sig, future); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("future timestamp: err = %v, want ErrStaleTimestamp", err)
	}

	if err := v.Verify(body, "ab", "not-a-number"); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("non-numeric: err = %v, want ErrStaleTimestamp", err)
	}
}

func TestSignChallenge_Verifiable(t *testing.T) {
	v, _ := New(testSecret, 0)

	eventTS := "1725000000"
	plainToken := "Arq0D5A61EgUu4OxUvOp"
	sigHex := v.SignChallenge(eventTS, plainToken)

	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		t.Fatalf("signature is not 64-byte hex: %v", err)
	}
	// The platform verifies the challenge with the same derived key
	// over event_ts+plain_token.
	if !ed25519.Verify(v.pub, []byte(eventTS+plainToken), sig) {
		t.Fatal("challenge signature does not verify")
	}
}
