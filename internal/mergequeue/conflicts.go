package mergequeue

import (
	"fmt"
	"sort"

	"github.com/gobwas/glob"
)

// Severity of a predicted conflict.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// errorSharedFiles is the number of shared files above which a predicted
// conflict is reported as an error.
const errorSharedFiles = 3

// Conflict is a predicted overlap between two pending branches.
type Conflict struct {
	BranchA     string
	BranchB     string
	SharedFiles []string
	Severity    Severity
}

// IgnoreSet matches files excluded from conflict prediction, such as lock
// files every branch touches.
type IgnoreSet struct {
	globs []glob.Glob
}

// NewIgnoreSet compiles patterns. '/' separates path segments, so '*'
// stays within a segment and '**' crosses segments.
func NewIgnoreSet(patterns []string) (*IgnoreSet, error) {
	set := &IgnoreSet{}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
		set.globs = append(set.globs, g)
	}
	return set, nil
}

// Match reports whether path is ignored.
func (s *IgnoreSet) Match(path string) bool {
	if s == nil {
		return false
	}
	for _, g := range s.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// detectConflicts computes pairwise file overlap between items.
func detectConflicts(items []Item, ignore *IgnoreSet) []Conflict {
	sets := make([]map[string]bool, len(items))
	for i, it := range items {
		set := make(map[string]bool, len(it.ModifiedFiles))
		for _, f := range it.ModifiedFiles {
			if !ignore.Match(f) {
				set[f] = true
			}
		}
		sets[i] = set
	}

	var conflicts []Conflict
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			var shared []string
			for f := range sets[i] {
				if sets[j][f] {
					shared = append(shared, f)
				}
			}
			if len(shared) == 0 {
				continue
			}
			sort.Strings(shared)
			severity := SeverityWarning
			if len(shared) > errorSharedFiles {
				severity = SeverityError
			}
			conflicts = append(conflicts, Conflict{
				BranchA:     items[i].Branch,
				BranchB:     items[j].Branch,
				SharedFiles: shared,
				Severity:    severity,
			})
		}
	}
	return conflicts
}
