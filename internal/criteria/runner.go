package criteria

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"github.com/agentbazaar/backend/internal/config"
	"github.com/agentbazaar/backend/internal/crypto"
	"github.com/agentbazaar/backend/internal/sandbox"
	"github.com/agentbazaar/backend/internal/validate"
)

// DeliveryMeta carries the timing context latency tests evaluate against.
type DeliveryMeta struct {
	StartedAt   *time.Time
	DeliveredAt *time.Time
}

// SandboxRunner abstracts the isolation primitive for version 2.0 scripts.
type SandboxRunner interface {
	Run(ctx context.Context, spec sandbox.Spec) (sandbox.Result, error)
}

// Runner executes criteria documents against deliverables. Declarative
// tests run in-process with no filesystem access and (unless http_status
// tests are explicitly enabled) no network.
type Runner struct {
	cfg     config.Config
	sandbox SandboxRunner
	httpc   *http.Client
	now     func() time.Time
}

func NewRunner(cfg config.Config, sb SandboxRunner) *Runner {
	return &Runner{
		cfg:     cfg,
		sandbox: sb,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
}

// Verify dispatches on the document version. The returned CPUSeconds is
// what the verification fee charges against.
func (r *Runner) Verify(ctx context.Context, doc *Document, deliverable json.RawMessage, meta DeliveryMeta) (SuiteResult, error) {
	if doc == nil {
		return SuiteResult{Passed: true, Summary: "no criteria"}, nil
	}
	if doc.Version == VersionScript {
		return r.runScript(ctx, doc, deliverable)
	}
	start := r.now()
	res := r.runSuite(ctx, doc, deliverable, meta)
	res.CPUSeconds = r.now().Sub(start).Seconds()
	return res, nil
}

func (r *Runner) runScript(ctx context.Context, doc *Document, deliverable json.RawMessage) (SuiteResult, error) {
	timeout := r.cfg.SandboxDefaultTimeout
	if doc.TimeoutSeconds > 0 {
		timeout = time.Duration(doc.TimeoutSeconds) * time.Second
	}
	memory := r.cfg.SandboxDefaultMemoryMB
	if doc.MemoryLimitMB > 0 {
		memory = int64(doc.MemoryLimitMB)
	}
	runtime := doc.Runtime
	if runtime == "" {
		runtime = "python:3.13"
	}

	out, err := r.sandbox.Run(ctx, sandbox.Spec{
		ScriptBase64: doc.Script,
		Runtime:      runtime,
		Deliverable:  deliverable,
		Timeout:      timeout,
		MemoryMB:     memory,
	})
	if err != nil {
		return SuiteResult{}, fmt.Errorf("sandbox run: %w", err)
	}

	passed := !out.TimedOut && out.ExitCode == 0
	msg := truncate(out.Stdout, 500)
	if !passed {
		msg = truncate(out.Stderr, 500)
		if out.TimedOut {
			msg = "script timed out"
		}
	}
	summary := "script failed"
	if passed {
		summary = "script passed"
	}
	return SuiteResult{
		Passed:     passed,
		Results:    []TestResult{{TestID: "script", Passed: passed, Message: msg}},
		Summary:    summary,
		CPUSeconds: out.Duration.Seconds(),
		Sandbox: &SandboxDetail{
			ExitCode: out.ExitCode,
			Stdout:   truncate(out.Stdout, 2000),
			Stderr:   truncate(out.Stderr, 2000),
			TimedOut: out.TimedOut,
		},
	}, nil
}

func (r *Runner) runSuite(ctx context.Context, doc *Document, deliverable json.RawMessage, meta DeliveryMeta) SuiteResult {
	threshold, err := doc.Threshold()
	if err != nil {
		return SuiteResult{Summary: err.Error()}
	}

	results := make([]TestResult, 0, len(doc.Tests))
	passed := 0
	for _, t := range doc.Tests {
		testCtx, cancel := context.WithTimeout(ctx, r.cfg.TestTimeoutPerTest)
		res := r.runTest(testCtx, t, deliverable, meta)
		cancel()
		if res.Passed {
			passed++
		}
		results = append(results, res)
	}

	return SuiteResult{
		Passed:  threshold.Met(passed, len(results)),
		Results: results,
		Summary: fmt.Sprintf("%d/%d passed", passed, len(results)),
	}
}

func (r *Runner) runTest(ctx context.Context, t Test, deliverable json.RawMessage, meta DeliveryMeta) TestResult {
	switch t.Type {
	case "json_schema":
		return runJSONSchema(t, deliverable)
	case "count_gte":
		return runCount(t, deliverable, true)
	case "count_lte":
		return runCount(t, deliverable, false)
	case "contains":
		return runContains(t, deliverable)
	case "latency_lte":
		return runLatency(t, meta)
	case "http_status":
		return r.runHTTPStatus(ctx, t, deliverable)
	case "checksum":
		return runChecksum(t, deliverable)
	case "assertion":
		return runAssertion(ctx, t, deliverable)
	default:
		return TestResult{TestID: t.TestID, Passed: false, Message: fmt.Sprintf("unknown test type: %s", t.Type)}
	}
}

func runJSONSchema(t Test, deliverable json.RawMessage) TestResult {
	var params struct {
		Schema json.RawMessage `json:"schema"`
	}
	if err := json.Unmarshal(t.Params, &params); err != nil || len(params.Schema) == 0 {
		return fail(t, "json_schema requires a schema parameter")
	}
	schema, err := jsonschema.CompileString(t.TestID+".schema.json", string(params.Schema))
	if err != nil {
		return fail(t, "invalid schema: "+truncate(err.Error(), 200))
	}
	var doc any
	if err := json.Unmarshal(deliverable, &doc); err != nil {
		return fail(t, "deliverable is not valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return fail(t, truncate(err.Error(), 200))
	}
	return pass(t, "")
}

func runCount(t Test, deliverable json.RawMessage, gte bool) TestResult {
	var params struct {
		Path     string `json:"path"`
		MinCount *int   `json:"min_count"`
		MaxCount *int   `json:"max_count"`
	}
	if err := json.Unmarshal(t.Params, &params); err != nil {
		return fail(t, "invalid params")
	}

	target := gjson.ParseBytes(deliverable)
	if path := toGJSONPath(params.Path); path != "" {
		target = target.Get(path)
	}
	if !target.Exists() && params.Path != "" && params.Path != "$" {
		return fail(t, fmt.Sprintf("path %q not found", params.Path))
	}
	if !target.IsArray() {
		return fail(t, "target is not an array")
	}
	count := len(target.Array())

	if gte {
		if params.MinCount == nil {
			return fail(t, "count_gte requires min_count")
		}
		if count >= *params.MinCount {
			return pass(t, fmt.Sprintf("count %d >= %d", count, *params.MinCount))
		}
		return fail(t, fmt.Sprintf("count %d < %d", count, *params.MinCount))
	}
	if params.MaxCount == nil {
		return fail(t, "count_lte requires max_count")
	}
	if count <= *params.MaxCount {
		return pass(t, fmt.Sprintf("count %d <= %d", count, *params.MaxCount))
	}
	return fail(t, fmt.Sprintf("count %d > %d", count, *params.MaxCount))
}

// toGJSONPath converts the minimal "$.items[0].name" form to gjson's
// "items.0.name". "$" or "" selects the document root.
func toGJSONPath(path string) string {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return ""
	}
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	return strings.Trim(path, ".")
}

func runContains(t Test, deliverable json.RawMessage) TestResult {
	var params struct {
		Pattern string `json:"pattern"`
		IsRegex bool   `json:"is_regex"`
	}
	if err := json.Unmarshal(t.Params, &params); err != nil || params.Pattern == "" {
		return fail(t, "contains requires a pattern")
	}
	haystack := string(deliverable)
	if params.IsRegex {
		re, err := regexp.Compile(params.Pattern)
		if err != nil {
			return fail(t, "invalid regex: "+err.Error())
		}
		if re.MatchString(haystack) {
			return pass(t, "")
		}
		return fail(t, fmt.Sprintf("pattern %q not found", params.Pattern))
	}
	if strings.Contains(haystack, params.Pattern) {
		return pass(t, "")
	}
	return fail(t, fmt.Sprintf("substring %q not found", params.Pattern))
}

func runLatency(t Test, meta DeliveryMeta) TestResult {
	var params struct {
		MaxSeconds float64 `json:"max_seconds"`
	}
	if err := json.Unmarshal(t.Params, &params); err != nil || params.MaxSeconds <= 0 {
		return fail(t, "latency_lte requires max_seconds")
	}
	if meta.StartedAt == nil || meta.DeliveredAt == nil {
		return fail(t, "cannot determine delivery latency")
	}
	actual := meta.DeliveredAt.Sub(*meta.StartedAt).Seconds()
	if actual <= params.MaxSeconds {
		return pass(t, fmt.Sprintf("latency %.1fs <= %.1fs", actual, params.MaxSeconds))
	}
	return fail(t, fmt.Sprintf("latency %.1fs > %.1fs", actual, params.MaxSeconds))
}

func (r *Runner) runHTTPStatus(ctx context.Context, t Test, deliverable json.RawMessage) TestResult {
	if !r.cfg.CriteriaHTTPTestsEnabled {
		return fail(t, "http_status tests are disabled on this server")
	}
	var params struct {
		ExpectedStatus int `json:"expected_status"`
	}
	if err := json.Unmarshal(t.Params, &params); err != nil || params.ExpectedStatus == 0 {
		return fail(t, "http_status requires expected_status")
	}
	var rawURL string
	if err := json.Unmarshal(deliverable, &rawURL); err != nil {
		return fail(t, "deliverable is not a URL string")
	}
	if err := validate.EndpointURL(rawURL, nil); err != nil {
		return fail(t, "URL rejected: "+err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fail(t, "invalid URL")
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return fail(t, "GET failed: "+truncate(err.Error(), 200))
	}
	defer resp.Body.Close()
	if resp.StatusCode == params.ExpectedStatus {
		return pass(t, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	return fail(t, fmt.Sprintf("HTTP %d != %d", resp.StatusCode, params.ExpectedStatus))
}

func runChecksum(t Test, deliverable json.RawMessage) TestResult {
	var params struct {
		ExpectedHash string `json:"expected_hash"`
	}
	if err := json.Unmarshal(t.Params, &params); err != nil || params.ExpectedHash == "" {
		return fail(t, "checksum requires expected_hash")
	}
	actual, err := crypto.HashCriteria(deliverable)
	if err != nil {
		return fail(t, "deliverable is not canonicalizable JSON")
	}
	if strings.EqualFold(actual, params.ExpectedHash) {
		return pass(t, "")
	}
	return fail(t, fmt.Sprintf("hash mismatch: %s… != %s…", actual[:16], truncate(params.ExpectedHash, 16)))
}

func pass(t Test, msg string) TestResult {
	return TestResult{TestID: t.TestID, Passed: true, Message: msg}
}

func fail(t Test, msg string) TestResult {
	return TestResult{TestID: t.TestID, Passed: false, Message: msg}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
