package crypto

import (
	"testing"
	"time"
)

func TestSignatureRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	body := []byte(`{"hello":"world"}`)
	sig, err := SignRequest(priv, "2026-01-02T03:04:05Z", "post", "/jobs", body)
	if err != nil {
		t.Fatalf("SignRequest: %v", err)
	}

	if !VerifySignature(pub, sig, "2026-01-02T03:04:05Z", "POST", "/jobs", body) {
		t.Fatal("expected signature to verify")
	}
	// Method is canonicalized to upper case before signing, so the lower
	// case form verifies too.
	if !VerifySignature(pub, sig, "2026-01-02T03:04:05Z", "post", "/jobs", body) {
		t.Fatal("expected lowercase method to verify")
	}
}

func TestVerifySignature_Tampered(t *testing.T) {
	priv, pub, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	body := []byte(`{"n":1}`)
	sig, err := SignRequest(priv, "2026-01-02T03:04:05Z", "POST", "/jobs", body)
	if err != nil {
		t.Fatalf("SignRequest: %v", err)
	}

	cases := []struct {
		name              string
		pub, sig, ts, path string
		body              []byte
	}{
		{"flipped body byte", pub, sig, "2026-01-02T03:04:05Z", "/jobs", []byte(`{"n":2}`)},
		{"different path", pub, sig, "2026-01-02T03:04:05Z", "/jobs/x", body},
		{"different timestamp", pub, sig, "2026-01-02T03:04:06Z", "/jobs", body},
		{"corrupt signature", pub, "00" + sig[2:], "2026-01-02T03:04:05Z", "/jobs", body},
		{"truncated signature", pub, sig[:10], "2026-01-02T03:04:05Z", "/jobs", body},
		{"non-hex signature", pub, "zz" + sig[2:], "2026-01-02T03:04:05Z", "/jobs", body},
		{"wrong public key", "ab" + pub[2:], sig, "2026-01-02T03:04:05Z", "/jobs", body},
		{"malformed public key", "nothex", sig, "2026-01-02T03:04:05Z", "/jobs", body},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if VerifySignature(tc.pub, tc.sig, tc.ts, "POST", tc.path, tc.body) {
				t.Error("expected verification to fail")
			}
		})
	}
}

func TestTimestampFresh(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	cases := []struct {
		name string
		ts   string
		want bool
	}{
		{"exact", "2026-01-02T03:04:05Z", true},
		{"29s old", "2026-01-02T03:03:36Z", true},
		{"29s ahead", "2026-01-02T03:04:34Z", true},
		{"31s old", "2026-01-02T03:03:34Z", false},
		{"31s ahead", "2026-01-02T03:04:36Z", false},
		{"offset form", "2026-01-02T04:04:05+01:00", true},
		{"naive timestamp", "2026-01-02T03:04:05", false},
		{"garbage", "not-a-timestamp", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TimestampFresh(tc.ts, now, 30*time.Second); got != tc.want {
				t.Errorf("TimestampFresh(%q) = %v, want %v", tc.ts, got, tc.want)
			}
		})
	}
}

func TestHashCriteria_Deterministic(t *testing.T) {
	h1, err := HashCriteria([]byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("HashCriteria: %v", err)
	}
	h2, err := HashCriteria([]byte(`{ "b": 2,   "a": 1 }`))
	if err != nil {
		t.Fatalf("HashCriteria: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash should be invariant under key order and whitespace: %s != %s", h1, h2)
	}

	h3, err := HashCriteria([]byte(`{"a":1,"b":3}`))
	if err != nil {
		t.Fatalf("HashCriteria: %v", err)
	}
	if h1 == h3 {
		t.Error("different documents must hash differently")
	}
}

func TestCanonicalJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"sorted keys", `{"b":2,"a":1}`, `{"a":1,"b":2}`},
		{"nested", `{"z":{"y":[3,2,{"b":false,"a":null}]}}`, `{"z":{"y":[3,2,{"a":null,"b":false}]}}`},
		{"number literal preserved", `{"x":1.50}`, `{"x":1.50}`},
		{"non-ascii escaped", `{"s":"héllo"}`, `{"s":"h\u00e9llo"}`},
		{"control escaped", "{\"s\":\"a\\nb\"}", `{"s":"a\nb"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CanonicalJSON([]byte(tc.in))
			if err != nil {
				t.Fatalf("CanonicalJSON: %v", err)
			}
			if string(got) != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}

	if _, err := CanonicalJSON([]byte(`{"a":1} trailing`)); err == nil {
		t.Error("expected error for trailing data")
	}
	if _, err := CanonicalJSON([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
