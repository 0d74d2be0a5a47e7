package executor

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/harrison/relay/internal/models"
)

const (
	// DefaultMaxConcurrency is the default number of tasks run at once.
	DefaultMaxConcurrency = 4
)

// Wave is a set of tasks whose dependencies all finish in earlier waves.
type Wave struct {
	Number  int
	TaskIDs []string
}

// Name returns a display name such as "Wave 2".
func (w Wave) Name() string {
	return fmt.Sprintf("Wave %d", w.Number)
}

// DependencyGraph represents a directed graph of task dependencies
type DependencyGraph struct {
	Tasks    map[string]*models.Task
	Edges    map[string][]string // prerequisite -> dependents
	InDegree map[string]int      // task -> number of dependencies
}

// ValidateTasks checks task fields, ID uniqueness and that every
// dependency names a known task.
func ValidateTasks(tasks []models.Task) error {
	ids := make(map[string]bool, len(tasks))
	for i := range tasks {
		if err := tasks[i].Validate(); err != nil {
			if tasks[i].ID == "" {
				return fmt.Errorf("task #%d: %w", i+1, err)
			}
			return fmt.Errorf("task %s: %w", tasks[i].ID, err)
		}
		if ids[tasks[i].ID] {
			return fmt.Errorf("task %s: duplicate task id", tasks[i].ID)
		}
		ids[tasks[i].ID] = true
	}

	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("task %s (%s): depends on non-existent task %s", task.ID, task.Objective, dep)
			}
		}
	}
	return nil
}

// BuildDependencyGraph constructs a dependency graph from a list of tasks.
// Unknown dependencies are skipped; ValidateTasks reports them.
func BuildDependencyGraph(tasks []models.Task) *DependencyGraph {
	g := &DependencyGraph{
		Tasks:    make(map[string]*models.Task),
		Edges:    make(map[string][]string),
		InDegree: make(map[string]int),
	}

	for i := range tasks {
		g.Tasks[tasks[i].ID] = &tasks[i]
		g.InDegree[tasks[i].ID] = 0
	}

	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			if _, exists := g.Tasks[dep]; !exists {
				continue
			}
			g.Edges[dep] = append(g.Edges[dep], task.ID)
			g.InDegree[task.ID]++
		}
	}
	return g
}

// FindCycle returns the task IDs forming a dependency cycle, or nil.
func (g *DependencyGraph) FindCycle() []string {
	const (
		white = 0 // not visited
		gray  = 1 // visiting
		black = 2 // visited
	)

	colors := make(map[string]int, len(g.Tasks))
	var stack []string
	var cycle []string

	var dfs func(string) bool
	dfs = func(node string) bool {
		colors[node] = gray
		stack = append(stack, node)
		for _, next := range g.Edges[node] {
			if colors[next] == gray {
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle = append(append([]string(nil), stack[i:]...), next)
						break
					}
				}
				return true
			}
			if colors[next] == white && dfs(next) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		colors[node] = black
		return false
	}

	// Deterministic start order so the reported cycle is stable.
	ids := make([]string, 0, len(g.Tasks))
	for id := range g.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if colors[id] == white && dfs(id) {
			return cycle
		}
	}
	return nil
}

// HasCycle reports whether the graph contains a dependency cycle.
func (g *DependencyGraph) HasCycle() bool {
	return g.FindCycle() != nil
}

// CalculateWaves groups tasks into waves with Kahn's algorithm. Within a
// wave tasks are ordered by priority, then by ID (numeric IDs numerically).
func CalculateWaves(tasks []models.Task) ([]Wave, error) {
	if err := ValidateTasks(tasks); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return []Wave{}, nil
	}

	graph := BuildDependencyGraph(tasks)
	if cycle := graph.FindCycle(); cycle != nil {
		return nil, fmt.Errorf("circular dependency detected: %s", strings.Join(cycle, " -> "))
	}

	inDegree := make(map[string]int, len(graph.InDegree))
	for k, v := range graph.InDegree {
		inDegree[k] = v
	}

	var waves []Wave
	for len(inDegree) > 0 {
		var current []string
		for id, degree := range inDegree {
			if degree == 0 {
				current = append(current, id)
			}
		}
		if len(current) == 0 {
			return nil, fmt.Errorf("graph error: no tasks with zero in-degree")
		}

		sort.Slice(current, func(i, j int) bool {
			a, b := graph.Tasks[current[i]], graph.Tasks[current[j]]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return lessID(a.ID, b.ID)
		})

		waves = append(waves, Wave{Number: len(waves) + 1, TaskIDs: current})

		for _, id := range current {
			delete(inDegree, id)
			for _, dependent := range graph.Edges[id] {
				if _, exists := inDegree[dependent]; exists {
					inDegree[dependent]--
				}
			}
		}
	}
	return waves, nil
}

// lessID orders numeric IDs numerically and everything else lexically,
// with numeric IDs first.
func lessID(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}

// FileOverlap is a file claimed by more than one task in the same wave.
type FileOverlap struct {
	Wave    int
	File    string
	TaskIDs []string
}

// FindFileOverlaps lists files declared by several tasks of one wave. The
// merge queue resolves such overlaps, so they are reported, not rejected.
func FindFileOverlaps(waves []Wave, tasks []models.Task) []FileOverlap {
	byID := make(map[string]*models.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	var overlaps []FileOverlap
	for _, wave := range waves {
		owners := make(map[string][]string)
		var files []string
		for _, id := range wave.TaskIDs {
			task, ok := byID[id]
			if !ok {
				continue
			}
			for _, f := range task.Files {
				f = filepath.ToSlash(filepath.Clean(f))
				if len(owners[f]) == 0 {
					files = append(files, f)
				}
				owners[f] = append(owners[f], id)
			}
		}
		for _, f := range files {
			if len(owners[f]) > 1 {
				overlaps = append(overlaps, FileOverlap{Wave: wave.Number, File: f, TaskIDs: owners[f]})
			}
		}
	}
	return overlaps
}
