package claude

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name          string
		rawOutput     []byte
		wantContent   string
		wantSessionID string
		wantErr       bool
	}{
		{
			name:          "valid JSON with content field",
			rawOutput:     []byte(`{"content":"Hello World","error":"","session_id":"abc-123"}`),
			wantContent:   "Hello World",
			wantSessionID: "abc-123",
			wantErr:       false,
		},
		{
			name:          "valid JSON without session_id",
			rawOutput:     []byte(`{"content":"Task completed","error":""}`),
			wantContent:   "Task completed",
			wantSessionID: "",
			wantErr:       false,
		},
		{
			name:          "structured_output from --json-schema",
			rawOutput:     []byte(`{"type":"result","session_id":"test-123","structured_output":{"status":"success","summary":"Done"}}`),
			wantContent:   `{"status":"success","summary":"Done"}`,
			wantSessionID: "test-123",
			wantErr:       false,
		},
		{
			name:          "code-fenced JSON output - fallback extraction",
			rawOutput:     []byte("Here is the result:\n```json\n{\"status\":\"success\"}\n```\n"),
			wantContent:   `{"status":"success"}`,
			wantSessionID: "",
			wantErr:       false,
		},
		{
			name:          "mixed output with error prefix before JSON",
			rawOutput:     []byte("Error: some warning\n" + `{"content":"Result","session_id":"mixed-456"}`),
			wantContent:   "Result",
			wantSessionID: "mixed-456",
			wantErr:       false,
		},
		{
			name:          "plain text output without JSON",
			rawOutput:     []byte("Plain text output without JSON"),
			wantContent:   "", // No JSON braces found, returns empty
			wantSessionID: "",
			wantErr:       false,
		},
		{
			name:          "empty output",
			rawOutput:     []byte(""),
			wantContent:   "",
			wantSessionID: "",
			wantErr:       false,
		},
		{
			name:          "raw JSON without wrapper - fallback extraction",
			rawOutput:     []byte(`{"status":"success","summary":"Task done","output":"Created file"}`),
			wantContent:   `{"status":"success","summary":"Task done","output":"Created file"}`,
			wantSessionID: "",
			wantErr:       false,
		},
		{
			name:          "JSON with prose before - fallback extraction",
			rawOutput:     []byte("Some prose before the JSON response\n{\"status\":\"success\"}"),
			wantContent:   `{"status":"success"}`,
			wantSessionID: "",
			wantErr:       false,
		},
		{
			name:          "structured_output null - falls through to content",
			rawOutput:     []byte(`{"type":"result","content":"Via content field","session_id":"test-789","structured_output":null}`),
			wantContent:   "Via content field",
			wantSessionID: "test-789",
			wantErr:       false,
		},
		{
			name:          "structured_output empty object - falls through to content",
			rawOutput:     []byte(`{"type":"result","content":"Via content field","session_id":"test-abc","structured_output":{}}`),
			wantContent:   "Via content field",
			wantSessionID: "test-abc",
			wantErr:       false,
		},
		{
			name:          "result field used by some agents",
			rawOutput:     []byte(`{"type":"result","result":"Agent response text","session_id":"result-123"}`),
			wantContent:   "Agent response text",
			wantSessionID: "result-123",
			wantErr:       false,
		},
		{
			name:          "malformed JSON without closing brace - returns empty",
			rawOutput:     []byte(`{"status":"success`),
			wantContent:   "", // No closing brace, returns empty
			wantSessionID: "",
			wantErr:       false,
		},
		{
			name:          "only opening brace - no valid JSON",
			rawOutput:     []byte(`{`),
			wantContent:   "",
			wantSessionID: "",
			wantErr:       false,
		},
		{
			name:          "only closing brace - no valid JSON",
			rawOutput:     []byte(`}`),
			wantContent:   "",
			wantSessionID: "",
			wantErr:       false,
		},
		{
			name:          "nested JSON in content",
			rawOutput:     []byte(`{"content":"{\"nested\":\"value\"}","session_id":"nested-123"}`),
			wantContent:   `{"nested":"value"}`,
			wantSessionID: "nested-123",
			wantErr:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, sessionID, err := ParseResponse(tt.rawOutput)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseResponse() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if content != tt.wantContent {
				t.Errorf("ParseResponse() content = %q, want %q", content, tt.wantContent)
			}
			if sessionID != tt.wantSessionID {
				t.Errorf("ParseResponse() sessionID = %q, want %q", sessionID, tt.wantSessionID)
			}
		})
	}
}

func TestParseResponseWithResponseStruct(t *testing.T) {
	// Test using ParseResponse with the Response struct from Invoke
	tests := []struct {
		name          string
		response      *Response
		wantContent   string
		wantSessionID string
	}{
		{
			name: "parse Response.RawOutput",
			response: &Response{
				RawOutput: []byte(`{"content":"Task completed","session_id":"resp-123"}`),
			},
			wantContent:   "Task completed",
			wantSessionID: "resp-123",
		},
		{
			name: "parse Response with structured_output",
			response: &Response{
				RawOutput: []byte(`{"structured_output":{"status":"success","summary":"Done"},"session_id":"struct-456"}`),
			},
			wantContent:   `{"status":"success","summary":"Done"}`,
			wantSessionID: "struct-456",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, sessionID, err := ParseResponse(tt.response.RawOutput)
			if err != nil {
				t.Errorf("ParseResponse() error = %v", err)
				return
			}
			if content != tt.wantContent {
				t.Errorf("ParseResponse() content = %q, want %q", content, tt.wantContent)
			}
			if sessionID != tt.wantSessionID {
				t.Errorf("ParseResponse() sessionID = %q, want %q", sessionID, tt.wantSessionID)
			}
		})
	}
}

func TestNewInvoker(t *testing.T) {
	inv := NewInvoker()
	if inv.ClaudePath != "claude" {
		t.Errorf("ClaudePath = %s, want 'claude'", inv.ClaudePath)
	}
	if inv.SystemPrompt != DefaultSystemPrompt {
		t.Errorf("SystemPrompt not set to DefaultSystemPrompt")
	}
	if inv.MaxRateLimitWait != DefaultMaxRateLimitWait || inv.RateLimitBuffer != DefaultRateLimitBuffer {
		t.Errorf("rate limit defaults = %v, %v", inv.MaxRateLimitWait, inv.RateLimitBuffer)
	}
	if !strings.Contains(DefaultSystemPrompt, "JSON") || !strings.Contains(DefaultSystemPrompt, "No markdown") {
		t.Error("DefaultSystemPrompt should enforce JSON-only output")
	}
}

func TestInvokerArgs(t *testing.T) {
	inv := NewInvoker()
	args := inv.Args(Request{
		Prompt:      "do it",
		Schema:      `{"type":"object"}`,
		Model:       "sonnet",
		ResumeID:    "sess-1",
		BypassPerms: true,
	})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--resume sess-1",
		"--model sonnet",
		"-p do it",
		`--json-schema {"type":"object"}`,
		"--output-format json",
		"--permission-mode bypassPermissions",
		`--settings {"disableAllHooks": true}`,
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}

	plain := strings.Join(inv.Args(Request{Prompt: "x"}), " ")
	for _, unwanted := range []string{"--resume", "--model", "--json-schema", "--permission-mode"} {
		if strings.Contains(plain, unwanted) {
			t.Errorf("args should not contain %s: %s", unwanted, plain)
		}
	}
}

type scriptedRun struct {
	outputs []string
	errs    []error
	calls   int
	dirs    []string
}

func (s *scriptedRun) run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	i := s.calls
	s.calls++
	s.dirs = append(s.dirs, dir)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return []byte(s.outputs[i]), err
}

func TestInvoke_ParsesEnvelope(t *testing.T) {
	script := &scriptedRun{outputs: []string{
		`{"type":"result","session_id":"s-1","structured_output":{"status":"done"},"usage":{"input_tokens":100,"cache_read_input_tokens":50,"output_tokens":20}}`,
	}}
	inv := &Invoker{run: script.run}

	resp, err := inv.Invoke(context.Background(), Request{Prompt: "p", Dir: "/wt/a"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if resp.SessionID != "s-1" || resp.Payload != `{"status":"done"}` {
		t.Errorf("resp = %+v", resp)
	}
	if got := resp.Usage.Tokens(); got.Input != 150 || got.Output != 20 {
		t.Errorf("tokens = %+v", got)
	}
	if script.dirs[0] != "/wt/a" {
		t.Errorf("dir = %q", script.dirs[0])
	}
}

func TestInvoke_ReportsCLIError(t *testing.T) {
	script := &scriptedRun{outputs: []string{`{"type":"result","is_error":true,"result":"context window exceeded"}`}}
	inv := &Invoker{run: script.run}

	_, err := inv.Invoke(context.Background(), Request{Prompt: "p"})
	if err == nil || !strings.Contains(err.Error(), "context window exceeded") {
		t.Fatalf("Invoke() error = %v", err)
	}
}

func TestInvoke_RequiresPrompt(t *testing.T) {
	if _, err := NewInvoker().Invoke(context.Background(), Request{}); err == nil {
		t.Error("expected error for empty prompt")
	}
}

func TestInvoke_RetriesOnceAfterRateLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	script := &scriptedRun{
		outputs: []string{
			"Claude AI usage limit reached|" + strconv.FormatInt(now.Add(-time.Minute).Unix(), 10),
			`{"content":"ok"}`,
		},
		errs: []error{errors.New("exit status 1")},
	}
	inv := &Invoker{run: script.run, now: func() time.Time { return now }, MaxRateLimitWait: time.Hour}

	resp, err := inv.Invoke(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if resp.Payload != "ok" || script.calls != 2 {
		t.Errorf("payload = %q, calls = %d", resp.Payload, script.calls)
	}
}

func TestInvoke_RateLimitTooFarAway(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	script := &scriptedRun{
		outputs: []string{"Claude AI usage limit reached|" + strconv.FormatInt(now.Add(10*time.Hour).Unix(), 10)},
		errs:    []error{errors.New("exit status 1")},
	}
	inv := &Invoker{run: script.run, now: func() time.Time { return now }, MaxRateLimitWait: time.Hour}

	_, err := inv.Invoke(context.Background(), Request{Prompt: "p"})
	if !errors.Is(err, ErrRateLimitTooLong) {
		t.Fatalf("Invoke() error = %v, want ErrRateLimitTooLong", err)
	}
	if script.calls != 1 {
		t.Errorf("calls = %d, want no retry", script.calls)
	}
}

func TestInvoke_NonRateLimitErrorIsNotRetried(t *testing.T) {
	script := &scriptedRun{outputs: []string{"permission denied"}, errs: []error{errors.New("exit status 2")}}
	inv := &Invoker{run: script.run}

	_, err := inv.Invoke(context.Background(), Request{Prompt: "p"})
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("Invoke() error = %v", err)
	}
	if script.calls != 1 {
		t.Errorf("calls = %d", script.calls)
	}
}

func TestWithEnvReplacesExisting(t *testing.T) {
	env := withEnv([]string{"HOME=/root", "TMPDIR=/var/folders/x", "PATH=/bin"}, "TMPDIR", "/tmp/relay-claude")
	var tmp []string
	for _, kv := range env {
		if strings.HasPrefix(kv, "TMPDIR=") {
			tmp = append(tmp, kv)
		}
	}
	if len(tmp) != 1 || tmp[0] != "TMPDIR=/tmp/relay-claude" {
		t.Errorf("TMPDIR entries = %v", tmp)
	}
	if len(env) != 3 {
		t.Errorf("env = %v", env)
	}
}
