package escalation

import (
	"strings"
	"testing"

	"github.com/harrison/relay/internal/models"
)

func baseInput() Input {
	return Input{
		Attempt:               1,
		FileWrites:            map[string]int{},
		WriteCeiling:          6,
		SameModelRetries:      1,
		Tier:                  models.TierHaiku,
		MaxTier:               models.TierOpus,
		MaxRetriesPerTier:     3,
		MaxRetriesAtFinalTier: 2,
		Kind:                  KindGeneral,
	}
}

func TestDecide_RepeatedErrorPrefix(t *testing.T) {
	prefix := strings.Repeat("x", 80)
	in := baseInput()
	in.Attempt = 2
	in.Errors = []models.ErrorRecord{
		{Category: models.CategoryBuild, Message: prefix + " first tail", Attempt: 1},
		{Category: models.CategoryBuild, Message: prefix + " completely different tail", Attempt: 2},
	}

	d := Decide(in)
	if d.Action != ForceFail || d.Rule != RuleRepeatedError {
		t.Fatalf("got %+v, want repeated-error force fail", d)
	}
}

func TestDecide_RepeatedErrorPositionalDrift(t *testing.T) {
	in := baseInput()
	in.Attempt = 2
	in.Errors = []models.ErrorRecord{
		{Category: models.CategoryTypecheck, Message: "src/app.ts(12,5): error TS2322: Type 'string' is not assignable", Attempt: 1},
		{Category: models.CategoryTypecheck, Message: "src/app.ts(14,9): error TS2322: Type 'string' is not assignable", Attempt: 2},
	}
	if d := Decide(in); d.Action != ForceFail {
		t.Errorf("drifted line numbers should still match, got %+v", d)
	}
}

func TestDecide_DistinctErrorsDoNotLoop(t *testing.T) {
	in := baseInput()
	in.Attempt = 2
	in.Errors = []models.ErrorRecord{
		{Category: models.CategoryTest, Message: "TestLogin failed", Attempt: 1},
		{Category: models.CategoryTest, Message: "TestLogout failed", Attempt: 2},
	}
	if d := Decide(in); d.Rule == RuleRepeatedError {
		t.Errorf("distinct errors triggered loop detection: %+v", d)
	}
}

func TestDecide_RepeatedMessageDifferentCategory(t *testing.T) {
	in := baseInput()
	in.Attempt = 2
	in.Errors = []models.ErrorRecord{
		{Category: models.CategoryBuild, Message: "exit status 2", Attempt: 1},
		{Category: models.CategoryTest, Message: "exit status 2", Attempt: 2},
	}
	if d := Decide(in); d.Rule == RuleRepeatedError {
		t.Errorf("same text under different categories triggered loop detection: %+v", d)
	}

	in.Errors = append(in.Errors, models.ErrorRecord{Category: models.CategoryTest, Message: "exit status 2", Attempt: 3})
	d := Decide(in)
	if d.Rule != RuleRepeatedError {
		t.Fatalf("got %+v, want repeated-error force fail", d)
	}
	if !strings.Contains(d.Reason, "[test]") {
		t.Errorf("reason %q should name the category", d.Reason)
	}
}

func TestDecide_FileThrashBoundary(t *testing.T) {
	in := baseInput()
	in.FileWrites = map[string]int{"src/foo.ts": 5}
	if d := Decide(in); d.Rule == RuleFileThrash {
		t.Errorf("5 writes should not thrash: %+v", d)
	}

	in.FileWrites["src/foo.ts"] = 6
	d := Decide(in)
	if d.Action != ForceFail || d.Rule != RuleFileThrash {
		t.Fatalf("got %+v, want thrash force fail", d)
	}
	if !strings.Contains(d.Reason, "src/foo.ts") || !strings.Contains(d.Reason, "6") {
		t.Errorf("reason should name file and count: %q", d.Reason)
	}
}

func TestDecide_ThrashBeatsTrivial(t *testing.T) {
	in := baseInput()
	in.FileWrites = map[string]int{"lint.go": 9}
	in.Errors = []models.ErrorRecord{{Category: models.CategoryLint, Message: "missing comment", Attempt: 1}}
	if d := Decide(in); d.Rule != RuleFileThrash {
		t.Errorf("thrash must win over trivial errors, got %+v", d)
	}
}

func TestDecide_NoChanges(t *testing.T) {
	tests := []struct {
		attempts   int
		wantAction Action
		wantReason string
	}{
		{1, Continue, "retry 1/2"},
		{2, Continue, "retry 2/2"},
		{3, ForceFail, ""},
	}
	for _, tt := range tests {
		in := baseInput()
		in.NoChangeAttempts = tt.attempts
		d := Decide(in)
		if d.Action != tt.wantAction || d.Rule != RuleNoChanges {
			t.Errorf("attempt %d: got %+v", tt.attempts, d)
		}
		if tt.wantReason != "" && d.Reason != tt.wantReason {
			t.Errorf("attempt %d: reason = %q, want %q", tt.attempts, d.Reason, tt.wantReason)
		}
		if tt.wantAction == Continue && d.Hint == "" {
			t.Errorf("attempt %d: expected a hint", tt.attempts)
		}
	}
}

func TestDecide_NoOpEditIsCompletionHint(t *testing.T) {
	in := baseInput()
	in.NoChangeAttempts = 1
	in.NoOpEdits = 1
	d := Decide(in)
	if d.Action != Continue || d.Hint != completionHint {
		t.Errorf("got %+v, want completion hint", d)
	}
}

func TestDecide_FinalTier(t *testing.T) {
	in := baseInput()
	in.Tier = models.TierOpus
	in.SameModelRetries = 1
	if d := Decide(in); d.Action != Continue || d.Rule != RuleFinalTier {
		t.Errorf("got %+v, want continue at final tier", d)
	}
	in.SameModelRetries = 2
	d := Decide(in)
	if d.Action != ForceFail || !strings.Contains(d.Reason, "out of retries at final tier") {
		t.Errorf("got %+v, want final-tier failure", d)
	}
}

func TestDecide_TrivialHeadroom(t *testing.T) {
	in := baseInput()
	in.Errors = []models.ErrorRecord{{Category: models.CategorySpelling, Message: "teh", Attempt: 1}}
	in.SameModelRetries = 3
	if d := Decide(in); d.Action != Continue || d.Rule != RuleTrivialErrors {
		t.Errorf("trivial errors at normal ceiling should continue, got %+v", d)
	}
	in.SameModelRetries = 5
	d := Decide(in)
	if d.Action != Escalate || d.NextTier != models.TierSonnet {
		t.Errorf("got %+v, want escalate to sonnet", d)
	}
}

func TestDecide_SeriousErrors(t *testing.T) {
	in := baseInput()
	in.MaxRetriesPerTier = 4
	in.Errors = []models.ErrorRecord{{Category: models.CategoryBuild, Message: "build failed", Attempt: 1}}
	in.SameModelRetries = 2
	if d := Decide(in); d.Action != Continue {
		t.Errorf("retries 2 < limit 3: got %+v", d)
	}
	in.SameModelRetries = 3
	if d := Decide(in); d.Action != Escalate || d.Rule != RuleSeriousErrors {
		t.Errorf("got %+v, want serious escalation", d)
	}

	in.MaxRetriesPerTier = 2
	in.SameModelRetries = 1
	if d := Decide(in); d.Action != Continue {
		t.Errorf("limit floors at 2: got %+v", d)
	}
}

func TestDecide_TestWritingGetsExtraRetry(t *testing.T) {
	in := baseInput()
	in.MaxRetriesPerTier = 3
	in.SameModelRetries = 2
	in.Errors = []models.ErrorRecord{{Category: models.CategoryTest, Message: "TestX failed", Attempt: 1}}

	if d := Decide(in); d.Action != Escalate {
		t.Errorf("general task: got %+v, want escalate", d)
	}
	in.Kind = KindTestWriting
	if d := Decide(in); d.Action != Continue {
		t.Errorf("test-writing task: got %+v, want continue", d)
	}
}

func TestDecide_Default(t *testing.T) {
	in := baseInput()
	in.Errors = []models.ErrorRecord{{Category: models.CategoryRuntime, Message: "panic", Attempt: 1}}
	in.SameModelRetries = 3
	d := Decide(in)
	if d.Action != Escalate || d.Rule != RuleDefault || d.NextTier != models.TierSonnet {
		t.Errorf("got %+v", d)
	}
}

func TestDecide_OnlyLatestAttemptCategoriesCount(t *testing.T) {
	in := baseInput()
	in.Attempt = 2
	in.SameModelRetries = 2
	in.Errors = []models.ErrorRecord{
		{Category: models.CategoryBuild, Message: "build failed", Attempt: 1},
		{Category: models.CategoryLint, Message: "line too long", Attempt: 2},
	}
	if d := Decide(in); d.Rule != RuleTrivialErrors {
		t.Errorf("got %+v, want trivial rule from latest attempt", d)
	}
}

func TestDecide_Deterministic(t *testing.T) {
	in := baseInput()
	in.Attempt = 3
	in.SameModelRetries = 3
	in.FileWrites = map[string]int{"a": 2, "b": 3, "c": 1}
	in.Errors = []models.ErrorRecord{
		{Category: models.CategoryTest, Message: "a", Attempt: 1},
		{Category: models.CategoryBuild, Message: "b", Attempt: 2},
		{Category: models.CategoryTest, Message: "c", Attempt: 3},
	}
	first := Decide(in)
	for i := 0; i < 50; i++ {
		if got := Decide(in); got != first {
			t.Fatalf("decision changed: %+v vs %+v", got, first)
		}
	}
}

func TestSignature(t *testing.T) {
	long := strings.Repeat("ab", 60)
	if got := []rune(Signature(long)); len(got) != SignatureLength {
		t.Errorf("signature length = %d", len(got))
	}
	if Signature("line 12:  foo\n\tbar") != Signature("line 98: foo bar") {
		t.Error("digits and whitespace should be normalized")
	}
	if Signature("") != "" {
		t.Error("empty message has empty signature")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want models.ErrorCategory
	}{
		{"context deadline exceeded", models.CategoryTimeout},
		{"eslint: 3 problems", models.CategoryLint},
		{"codespell found: teh -> the", models.CategorySpelling},
		{"error TS2322: Type 'string' is not assignable to type 'number'", models.CategoryTypecheck},
		{"./main.go:4:2: undefined: foo", models.CategoryBuild},
		{"--- FAIL: TestLogin (0.00s)", models.CategoryTest},
		{"panic: runtime error: index out of range", models.CategoryRuntime},
		{"review rejected: missing error handling", models.CategoryReview},
		{"something odd happened", models.CategoryUnknown},
		{"", models.CategoryUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.msg); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestClassifyTaskKind(t *testing.T) {
	tests := []struct {
		objective string
		want      TaskKind
	}{
		{"Write unit tests for the auth service", KindTestWriting},
		{"Add tests for the parser", KindTestWriting},
		{"Update the README with install steps", KindDocumentation},
		{"Implement rate limiting middleware", KindGeneral},
	}
	for _, tt := range tests {
		if got := ClassifyTaskKind(tt.objective); got != tt.want {
			t.Errorf("ClassifyTaskKind(%q) = %s, want %s", tt.objective, got, tt.want)
		}
	}
}
