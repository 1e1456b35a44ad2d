package criteria

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentbazaar/backend/internal/config"
	"github.com/agentbazaar/backend/internal/crypto"
	"github.com/agentbazaar/backend/internal/sandbox"
)

func testRunner() *Runner {
	return NewRunner(config.Config{
		TestTimeoutPerTest:     60 * time.Second,
		TestTimeoutPerSuite:    300 * time.Second,
		SandboxDefaultTimeout:  60 * time.Second,
		SandboxDefaultMemoryMB: 256,
	}, nil)
}

func mustParse(t *testing.T, doc string) *Document {
	t.Helper()
	d, err := Parse(json.RawMessage(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return d
}

func verify(t *testing.T, doc string, deliverable string) SuiteResult {
	t.Helper()
	res, err := testRunner().Verify(context.Background(), mustParse(t, doc), json.RawMessage(deliverable), DeliveryMeta{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	return res
}

func TestParse_Validation(t *testing.T) {
	cases := []struct {
		name   string
		doc    string
		wantOK bool
	}{
		{"v1 minimal", `{"version":"1.0","tests":[{"test_id":"t1","type":"contains","params":{"pattern":"x"}}]}`, true},
		{"unknown version", `{"version":"3.0"}`, false},
		{"unknown test type", `{"version":"1.0","tests":[{"test_id":"t","type":"magic","params":{}}]}`, false},
		{"missing test_id", `{"version":"1.0","tests":[{"type":"contains","params":{}}]}`, false},
		{"bad threshold", `{"version":"1.0","tests":[],"pass_threshold":"most"}`, false},
		{"min_pass threshold", `{"version":"1.0","tests":[],"pass_threshold":{"min_pass":2}}`, true},
		{"v2 valid", `{"version":"2.0","script":"` + base64.StdEncoding.EncodeToString([]byte("exit 0")) + `","runtime":"bash:5"}`, true},
		{"v2 bad base64", `{"version":"2.0","script":"!!!"}`, false},
		{"v2 bad runtime", `{"version":"2.0","script":"` + base64.StdEncoding.EncodeToString([]byte("x")) + `","runtime":"php:8"}`, false},
		{"v2 timeout too high", `{"version":"2.0","script":"` + base64.StdEncoding.EncodeToString([]byte("x")) + `","timeout_seconds":301}`, false},
		{"v2 memory too high", `{"version":"2.0","script":"` + base64.StdEncoding.EncodeToString([]byte("x")) + `","memory_limit_mb":1024}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(json.RawMessage(tc.doc))
			if tc.wantOK && err != nil {
				t.Errorf("expected valid: %v", err)
			}
			if !tc.wantOK && err == nil {
				t.Error("expected rejection")
			}
		})
	}

	if doc, err := Parse(nil); err != nil || doc != nil {
		t.Errorf("empty criteria should parse to nil, got %v, %v", doc, err)
	}
}

func TestParse_TooManyTests(t *testing.T) {
	tests := `[`
	for i := 0; i < 21; i++ {
		if i > 0 {
			tests += ","
		}
		tests += `{"test_id":"t","type":"contains","params":{"pattern":"x"}}`
	}
	tests += `]`
	if _, err := Parse(json.RawMessage(`{"version":"1.0","tests":` + tests + `}`)); err == nil {
		t.Error("expected 21 tests to be rejected")
	}
}

func TestThreshold(t *testing.T) {
	cases := []struct {
		th     Threshold
		passed int
		total  int
		want   bool
	}{
		{Threshold{Kind: "all"}, 3, 3, true},
		{Threshold{Kind: "all"}, 2, 3, false},
		{Threshold{Kind: "majority"}, 2, 3, true},
		{Threshold{Kind: "majority"}, 2, 4, false},
		{Threshold{Kind: "min_pass", MinPass: 2}, 2, 5, true},
		{Threshold{Kind: "min_pass", MinPass: 3}, 2, 5, false},
	}
	for _, tc := range cases {
		if got := tc.th.Met(tc.passed, tc.total); got != tc.want {
			t.Errorf("%+v.Met(%d, %d) = %v, want %v", tc.th, tc.passed, tc.total, got, tc.want)
		}
	}
}

func TestVerify_CountGte(t *testing.T) {
	doc := `{"version":"1.0","tests":[{"test_id":"c1","type":"count_gte","params":{"path":"$","min_count":1}}]}`
	if res := verify(t, doc, `[{"x":1}]`); !res.Passed {
		t.Errorf("expected pass: %+v", res.Results)
	}
	if res := verify(t, doc, `[]`); res.Passed {
		t.Error("empty array should fail min_count 1")
	}
	if res := verify(t, doc, `{"not":"array"}`); res.Passed {
		t.Error("non-array should fail")
	}
}

func TestVerify_CountAtPath(t *testing.T) {
	doc := `{"version":"1.0","tests":[{"test_id":"c","type":"count_lte","params":{"path":"$.items","max_count":2}}]}`
	if res := verify(t, doc, `{"items":[1,2]}`); !res.Passed {
		t.Errorf("expected pass: %+v", res.Results)
	}
	if res := verify(t, doc, `{"items":[1,2,3]}`); res.Passed {
		t.Error("3 items should fail max_count 2")
	}
	if res := verify(t, doc, `{"other":[]}`); res.Passed {
		t.Error("missing path should fail")
	}
}

func TestVerify_JSONSchema(t *testing.T) {
	doc := `{"version":"1.0","tests":[{"test_id":"s","type":"json_schema","params":{"schema":{
		"type":"object","required":["name"],"properties":{"name":{"type":"string","minLength":3}}
	}}}]}`
	if res := verify(t, doc, `{"name":"abc"}`); !res.Passed {
		t.Errorf("expected pass: %+v", res.Results)
	}
	if res := verify(t, doc, `{"name":"ab"}`); res.Passed {
		t.Error("minLength violation should fail")
	}
	if res := verify(t, doc, `{}`); res.Passed {
		t.Error("missing required should fail")
	}
}

func TestVerify_Contains(t *testing.T) {
	literal := `{"version":"1.0","tests":[{"test_id":"c","type":"contains","params":{"pattern":"hello"}}]}`
	if res := verify(t, literal, `{"msg":"hello world"}`); !res.Passed {
		t.Error("substring should match")
	}
	if res := verify(t, literal, `{"msg":"goodbye"}`); res.Passed {
		t.Error("missing substring should fail")
	}

	regex := `{"version":"1.0","tests":[{"test_id":"r","type":"contains","params":{"pattern":"h[ae]llo","is_regex":true}}]}`
	if res := verify(t, regex, `{"msg":"hallo"}`); !res.Passed {
		t.Error("regex should match")
	}
}

func TestVerify_Latency(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	delivered := started.Add(30 * time.Second)
	doc := mustParse(t, `{"version":"1.0","tests":[{"test_id":"l","type":"latency_lte","params":{"max_seconds":60}}]}`)

	res, err := testRunner().Verify(context.Background(), doc, json.RawMessage(`{}`), DeliveryMeta{StartedAt: &started, DeliveredAt: &delivered})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Passed {
		t.Errorf("30s <= 60s should pass: %+v", res.Results)
	}

	slow := started.Add(90 * time.Second)
	res, _ = testRunner().Verify(context.Background(), doc, json.RawMessage(`{}`), DeliveryMeta{StartedAt: &started, DeliveredAt: &slow})
	if res.Passed {
		t.Error("90s > 60s should fail")
	}

	res, _ = testRunner().Verify(context.Background(), doc, json.RawMessage(`{}`), DeliveryMeta{})
	if res.Passed {
		t.Error("missing delivery meta should fail")
	}
}

func TestVerify_Checksum(t *testing.T) {
	hash, err := crypto.HashCriteria([]byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("HashCriteria: %v", err)
	}
	doc := `{"version":"1.0","tests":[{"test_id":"h","type":"checksum","params":{"expected_hash":"` + hash + `"}}]}`
	// The checksum is over the canonical form, so whitespace is irrelevant.
	if res := verify(t, doc, `{ "a" : 1 }`); !res.Passed {
		t.Errorf("expected checksum pass: %+v", res.Results)
	}
	if res := verify(t, doc, `{"a":2}`); res.Passed {
		t.Error("different deliverable should fail checksum")
	}
}

func TestVerify_HTTPStatusDisabled(t *testing.T) {
	doc := `{"version":"1.0","tests":[{"test_id":"u","type":"http_status","params":{"expected_status":200}}]}`
	if res := verify(t, doc, `"https://example.com"`); res.Passed {
		t.Error("http_status must fail when disabled by config")
	}
}

func TestVerify_Thresholds(t *testing.T) {
	doc := `{"version":"1.0","pass_threshold":"majority","tests":[
		{"test_id":"a","type":"contains","params":{"pattern":"x"}},
		{"test_id":"b","type":"contains","params":{"pattern":"y"}},
		{"test_id":"c","type":"contains","params":{"pattern":"zzz"}}
	]}`
	res := verify(t, doc, `{"v":"xy"}`)
	if !res.Passed {
		t.Errorf("2/3 with majority should pass: %s", res.Summary)
	}
	if res.Summary != "2/3 passed" {
		t.Errorf("summary = %q", res.Summary)
	}
}

func TestVerify_NoCriteria(t *testing.T) {
	res, err := testRunner().Verify(context.Background(), nil, json.RawMessage(`{}`), DeliveryMeta{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Passed {
		t.Error("absent criteria should pass")
	}
}

// fakeSandbox returns a canned result.
type fakeSandbox struct {
	result sandbox.Result
	spec   sandbox.Spec
}

func (f *fakeSandbox) Run(_ context.Context, spec sandbox.Spec) (sandbox.Result, error) {
	f.spec = spec
	return f.result, nil
}

func TestVerify_Script(t *testing.T) {
	fake := &fakeSandbox{result: sandbox.Result{ExitCode: 0, Stdout: "ok", Duration: 2 * time.Second}}
	r := NewRunner(config.Config{
		SandboxDefaultTimeout:  60 * time.Second,
		SandboxDefaultMemoryMB: 256,
	}, fake)

	doc := mustParse(t, `{"version":"2.0","script":"`+base64.StdEncoding.EncodeToString([]byte("exit 0"))+`","runtime":"bash:5"}`)
	res, err := r.Verify(context.Background(), doc, json.RawMessage(`{}`), DeliveryMeta{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Passed {
		t.Error("exit 0 should pass")
	}
	if res.CPUSeconds != 2.0 {
		t.Errorf("CPUSeconds = %v, want 2.0 (the fee base)", res.CPUSeconds)
	}
	if fake.spec.Runtime != "bash:5" {
		t.Errorf("runtime = %s", fake.spec.Runtime)
	}
	if fake.spec.Timeout != 60*time.Second || fake.spec.MemoryMB != 256 {
		t.Errorf("defaults not applied: %+v", fake.spec)
	}
}

func TestVerify_ScriptFailureAndTimeout(t *testing.T) {
	failing := &fakeSandbox{result: sandbox.Result{ExitCode: 1, Stderr: "boom", Duration: time.Second}}
	r := NewRunner(config.Config{SandboxDefaultTimeout: 60 * time.Second, SandboxDefaultMemoryMB: 256}, failing)
	doc := mustParse(t, `{"version":"2.0","script":"`+base64.StdEncoding.EncodeToString([]byte("exit 1"))+`","runtime":"bash:5"}`)

	res, err := r.Verify(context.Background(), doc, json.RawMessage(`{}`), DeliveryMeta{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Passed {
		t.Error("exit 1 should fail")
	}
	if res.Sandbox == nil || res.Sandbox.ExitCode != 1 {
		t.Errorf("sandbox detail missing: %+v", res.Sandbox)
	}

	timedOut := &fakeSandbox{result: sandbox.Result{ExitCode: -1, TimedOut: true, Duration: 61 * time.Second}}
	r = NewRunner(config.Config{SandboxDefaultTimeout: 60 * time.Second, SandboxDefaultMemoryMB: 256}, timedOut)
	res, _ = r.Verify(context.Background(), doc, json.RawMessage(`{}`), DeliveryMeta{})
	if res.Passed {
		t.Error("timeout should fail")
	}
	if res.Sandbox == nil || !res.Sandbox.TimedOut {
		t.Error("timed_out must be distinguishable in the result")
	}
}

func TestToGJSONPath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"$", ""},
		{"", ""},
		{"$.items", "items"},
		{"$.items[0].name", "items.0.name"},
		{"items[2]", "items.2"},
	}
	for _, tc := range cases {
		if got := toGJSONPath(tc.in); got != tc.want {
			t.Errorf("toGJSONPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
