package mergequeue

import (
	"strings"
	"unicode"

	"github.com/harrison/relay/internal/models"
)

const (
	minKeywordMatches = 2
	minKeywordRatio   = 0.5
	minWordLength     = 3
)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true, "into": true,
	"that": true, "this": true, "add": true, "adds": true, "added": true, "update": true,
	"updates": true, "implement": true, "implements": true, "make": true, "use": true,
	"new": true, "all": true, "when": true, "should": true, "are": true, "its": true,
	"merge": true, "branch": true, "relay": true, "task": true,
}

// significantWords returns the distinct lowercase words of s that carry meaning.
func significantWords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var words []string
	for _, w := range fields {
		if len([]rune(w)) < minWordLength || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		words = append(words, w)
	}
	return words
}

// matchScore returns how many of the objective's significant words appear in
// message, and what fraction of them that is.
func matchScore(objective, message string) (int, float64) {
	words := significantWords(objective)
	if len(words) == 0 {
		return 0, 0
	}
	inMessage := make(map[string]bool)
	for _, w := range significantWords(message) {
		inMessage[w] = true
	}
	matches := 0
	for _, w := range words {
		if inMessage[w] {
			matches++
		}
	}
	return matches, float64(matches) / float64(len(words))
}

// MatchTask finds the open task whose objective best matches a merge
// commit message. A task matches when at least half of its significant
// words, and no fewer than two, appear in the message.
func MatchTask(tasks []models.Task, message string) (models.Task, bool) {
	var (
		best      models.Task
		bestRatio float64
		found     bool
	)
	for _, task := range tasks {
		if task.IsCompleted() {
			continue
		}
		matches, ratio := matchScore(task.Objective, message)
		if matches < minKeywordMatches || ratio < minKeywordRatio {
			continue
		}
		if !found || ratio > bestRatio {
			best, bestRatio, found = task, ratio, true
		}
	}
	return best, found
}
