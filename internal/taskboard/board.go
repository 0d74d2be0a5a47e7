// Package taskboard loads tasks from YAML or Markdown files and records
// their completion status back into the same file.
//
// Updates hold the board file's lock for the whole read-modify-write cycle
// and replace the file atomically, so several relay processes may share a
// board.
package taskboard

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/relay/internal/filelock"
	"github.com/harrison/relay/internal/models"
)

// Format is the on-disk format of a board.
type Format int

const (
	FormatUnknown Format = iota
	FormatMarkdown
	FormatYAML
)

func (f Format) String() string {
	switch f {
	case FormatMarkdown:
		return "markdown"
	case FormatYAML:
		return "yaml"
	default:
		return "unknown"
	}
}

// DefaultLockTimeout bounds how long an update waits for the board lock.
const DefaultLockTimeout = 10 * time.Second

var (
	// ErrUnsupportedFormat indicates a board file extension relay cannot read.
	ErrUnsupportedFormat = errors.New("taskboard: unsupported format")
	// ErrTaskNotFound indicates the task ID is not on the board.
	ErrTaskNotFound = errors.New("taskboard: task not found")
	// ErrInvalidBoard indicates the board file cannot be parsed.
	ErrInvalidBoard = errors.New("taskboard: invalid board")
)

// DetectFormat picks the format from the file extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatUnknown
	}
}

// codec parses and edits one board format.
type codec interface {
	parse(content []byte) ([]models.Task, error)
	setStatus(content []byte, id, status, reason string) ([]byte, error)
}

func codecFor(f Format) (codec, error) {
	switch f {
	case FormatYAML:
		return yamlCodec{}, nil
	case FormatMarkdown:
		return newMarkdownCodec(), nil
	default:
		return nil, ErrUnsupportedFormat
	}
}

// Board is a task file. It is safe for concurrent use.
type Board struct {
	path        string
	format      Format
	codec       codec
	lockTimeout time.Duration

	mu    sync.Mutex
	tasks []models.Task
}

// Load reads and parses the board at path.
func Load(ctx context.Context, path string) (*Board, error) {
	format := DetectFormat(path)
	c, err := codecFor(format)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, filepath.Ext(path))
	}
	content, err := filelock.ReadLocked(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task board: %w", err)
	}
	tasks, err := c.parse(content)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].SourceFile = path
		if tasks[i].Status == "" {
			tasks[i].Status = models.TaskPending
		}
	}
	return &Board{path: path, format: format, codec: c, lockTimeout: DefaultLockTimeout, tasks: tasks}, nil
}

// Path returns the board file.
func (b *Board) Path() string { return b.path }

// Format returns the board format.
func (b *Board) Format() Format { return b.format }

// Tasks returns a copy of every task in file order.
func (b *Board) Tasks() []models.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneTasks(b.tasks, nil)
}

// OpenTasks returns tasks that are not completed.
func (b *Board) OpenTasks() []models.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneTasks(b.tasks, func(t *models.Task) bool { return !t.IsCompleted() })
}

// MarkTaskComplete records the task as completed and clears any failure reason.
func (b *Board) MarkTaskComplete(id string) error {
	return b.setStatus(id, models.TaskCompleted, "")
}

// MarkTaskFailed records the task as failed with reason.
func (b *Board) MarkTaskFailed(id, reason string) error {
	return b.setStatus(id, models.TaskFailed, reason)
}

func (b *Board) setStatus(id, status, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := -1
	for i := range b.tasks {
		if b.tasks[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.lockTimeout)
	defer cancel()
	reason = singleLine(reason)
	err := filelock.Update(ctx, b.path, func(current []byte) ([]byte, error) {
		return b.codec.setStatus(current, id, status, reason)
	})
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	b.tasks[idx].Status = status
	b.tasks[idx].FailureReason = reason
	return nil
}

func cloneTasks(tasks []models.Task, keep func(*models.Task) bool) []models.Task {
	out := make([]models.Task, 0, len(tasks))
	for i := range tasks {
		if keep != nil && !keep(&tasks[i]) {
			continue
		}
		t := tasks[i]
		t.DependsOn = append([]string(nil), t.DependsOn...)
		t.Tags = append([]string(nil), t.Tags...)
		t.Files = append([]string(nil), t.Files...)
		out = append(out, t)
	}
	return out
}

// singleLine flattens reason so it fits a Markdown metadata line.
func singleLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 500 {
		s = s[:497] + "..."
	}
	return s
}
