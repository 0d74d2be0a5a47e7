package escalation

import (
	"regexp"
	"strings"

	"github.com/harrison/relay/internal/models"
)

// SignatureLength is how many characters of an error message identify it.
const SignatureLength = 80

var (
	digitRun   = regexp.MustCompile(`[0-9]+`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Signature reduces an error message to the prefix used for loop detection.
// The message is cut to SignatureLength characters first, then digit runs
// are masked so the same error at a shifted line or column still matches.
func Signature(message string) string {
	msg := strings.TrimSpace(whitespace.ReplaceAllString(message, " "))
	runes := []rune(msg)
	if len(runes) > SignatureLength {
		runes = runes[:SignatureLength]
	}
	return digitRun.ReplaceAllString(string(runes), "#")
}

// categoryKeywords is checked in order; the first category with a matching
// keyword wins.
var categoryKeywords = []struct {
	category models.ErrorCategory
	keywords []string
}{
	{models.CategoryTimeout, []string{
		"deadline exceeded", "timed out", "timeout", "execution timeout",
	}},
	{models.CategorySpelling, []string{
		"misspell", "spelling", "codespell", "cspell", "typo",
	}},
	{models.CategoryLint, []string{
		"lint", "eslint", "golangci", "go vet", "gofmt", "prettier", "flake8", "ruff", "stylelint",
	}},
	{models.CategoryTypecheck, []string{
		"type error", "type_error", "type mismatch", "typecheck", "cannot use", "is not assignable",
		"mismatched types", "error ts", "tsc", "mypy", "has no attribute",
	}},
	{models.CategoryBuild, []string{
		"compilation error", "compilation fail", "build fail", "build error", "parse error",
		"syntax error", "unable to build", "cannot find module", "module not found",
		"package not found", "undefined reference", "undefined:", "import error",
	}},
	{models.CategoryTest, []string{
		"test fail", "tests fail", "test failure", "assertion fail", "--- fail", "fail\t",
		"expected", "failing test", "failed tests",
	}},
	{models.CategoryRuntime, []string{
		"runtime error", "panic", "segfault", "segmentation fault", "nil pointer",
		"null reference", "stack overflow", "exception", "traceback",
	}},
	{models.CategoryReview, []string{
		"review rejected", "reviewer", "changes requested",
	}},
}

// Classify maps a failure message to an error category by keyword.
func Classify(message string) models.ErrorCategory {
	lower := strings.ToLower(message)
	if strings.TrimSpace(lower) == "" {
		return models.CategoryUnknown
	}
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.category
			}
		}
	}
	return models.CategoryUnknown
}

// TaskKind is a coarse classification of a task objective.
type TaskKind string

const (
	KindGeneral       TaskKind = "general"
	KindTestWriting   TaskKind = "test_writing"
	KindDocumentation TaskKind = "documentation"
)

var testWritingPhrases = []string{
	"write test", "add test", "write unit test", "add unit test", "unit tests for",
	"test coverage", "integration test", "tests for", "e2e test", "test suite",
}

var documentationPhrases = []string{
	"document", "readme", "docstring", "changelog", "doc comment",
}

// ClassifyTaskKind guesses what kind of work an objective asks for.
func ClassifyTaskKind(objective string) TaskKind {
	lower := strings.ToLower(objective)
	for _, p := range testWritingPhrases {
		if strings.Contains(lower, p) {
			return KindTestWriting
		}
	}
	for _, p := range documentationPhrases {
		if strings.Contains(lower, p) {
			return KindDocumentation
		}
	}
	return KindGeneral
}
