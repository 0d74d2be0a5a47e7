package taskboard

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/harrison/relay/internal/models"
)

var (
	taskHeadingRegex = regexp.MustCompile(`^Task\s+([A-Za-z0-9_.\-]+):\s+(.+)$`)
	metadataRegex    = regexp.MustCompile(`^\s*\*\*(Priority|Depends on|Tags|Files|Status|Failure reason)\*\*:\s*(.*)$`)
	fenceRegex       = regexp.MustCompile("^\\s*(```|~~~)")
)

// markdownCodec reads boards written as one level-2 heading per task:
//
//	## Task 3: Add retry to the HTTP client
//	**Priority**: 1
//	**Depends on**: Task 1, Task 2
//	**Files**: internal/client/http.go
//	**Status**: pending
//
//	Free text below the metadata becomes part of the objective.
//
// Headings are located through the goldmark AST so headings inside code
// fences are ignored; metadata and status edits work on raw lines so the
// rest of the file is left untouched.
type markdownCodec struct {
	md goldmark.Markdown
}

func newMarkdownCodec() *markdownCodec {
	return &markdownCodec{md: goldmark.New()}
}

// section is the line range of one task: heading is the heading line,
// end is the first line after the task body.
type section struct {
	id      string
	title   string
	heading int
	end     int
}

func (c *markdownCodec) sections(content []byte) []section {
	doc := c.md.Parser().Parse(text.NewReader(content))

	type headingPos struct {
		line  int
		level int
		text  string
	}
	var headings []headingPos
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Level > 2 || h.Lines().Len() == 0 {
			continue
		}
		seg := h.Lines().At(0)
		headings = append(headings, headingPos{
			line:  bytes.Count(content[:seg.Start], []byte("\n")),
			level: h.Level,
			text:  strings.TrimSpace(headingText(h.Lines(), content)),
		})
	}

	total := strings.Count(string(content), "\n") + 1
	var out []section
	for i, h := range headings {
		if h.level != 2 {
			continue
		}
		m := taskHeadingRegex.FindStringSubmatch(h.text)
		if m == nil {
			continue
		}
		end := total
		if i+1 < len(headings) {
			end = headings[i+1].line
		}
		out = append(out, section{id: m[1], title: strings.TrimSpace(m[2]), heading: h.line, end: end})
	}
	return out
}

func headingText(lines *text.Segments, source []byte) string {
	var b strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
	return b.String()
}

func (c *markdownCodec) parse(content []byte) ([]models.Task, error) {
	lines := strings.Split(string(content), "\n")
	sections := c.sections(content)
	if len(sections) == 0 {
		return nil, fmt.Errorf("%w: no \"## Task <id>: <objective>\" headings found", ErrInvalidBoard)
	}

	tasks := make([]models.Task, 0, len(sections))
	for _, s := range sections {
		task := models.Task{ID: s.id}
		var body []string
		inFence := false
		for i := s.heading + 1; i < s.end && i < len(lines); i++ {
			line := lines[i]
			if fenceRegex.MatchString(line) {
				inFence = !inFence
			}
			if !inFence {
				if m := metadataRegex.FindStringSubmatch(line); m != nil {
					if err := applyMetadata(&task, m[1], strings.TrimSpace(m[2])); err != nil {
						return nil, fmt.Errorf("%w: task %s: %v", ErrInvalidBoard, s.id, err)
					}
					continue
				}
			}
			body = append(body, line)
		}
		task.Objective = s.title
		if desc := strings.TrimSpace(strings.Join(body, "\n")); desc != "" {
			task.Objective += "\n\n" + desc
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func applyMetadata(task *models.Task, key, value string) error {
	switch key {
	case "Priority":
		if value == "" {
			return nil
		}
		p, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid priority %q", value)
		}
		task.Priority = p
	case "Depends on":
		for _, dep := range splitList(value) {
			dep = strings.TrimSpace(strings.TrimPrefix(dep, "Task "))
			if dep != "" && !strings.EqualFold(dep, "none") {
				task.DependsOn = append(task.DependsOn, dep)
			}
		}
	case "Tags":
		task.Tags = append(task.Tags, splitList(value)...)
	case "Files":
		task.Files = append(task.Files, splitList(value)...)
	case "Status":
		task.Status = strings.ToLower(value)
	case "Failure reason":
		task.FailureReason = value
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.Trim(strings.TrimSpace(part), "`")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *markdownCodec) setStatus(content []byte, id, status, reason string) ([]byte, error) {
	var target *section
	for _, s := range c.sections(content) {
		if s.id == id {
			s := s
			target = &s
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	lines := strings.Split(string(content), "\n")
	if target.end > len(lines) {
		target.end = len(lines)
	}
	statusLine, reasonLine := -1, -1
	inFence := false
	for i := target.heading + 1; i < target.end; i++ {
		if fenceRegex.MatchString(lines[i]) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if m := metadataRegex.FindStringSubmatch(lines[i]); m != nil {
			switch m[1] {
			case "Status":
				statusLine = i
			case "Failure reason":
				reasonLine = i
			}
		}
	}

	// Remove the old reason first so the status line index stays valid.
	if reasonLine >= 0 {
		lines = append(lines[:reasonLine], lines[reasonLine+1:]...)
		if statusLine > reasonLine {
			statusLine--
		}
	}

	if statusLine >= 0 {
		lines[statusLine] = "**Status**: " + status
	} else {
		insert := []string{"**Status**: " + status}
		at := target.heading + 1
		if at < len(lines) && strings.TrimSpace(lines[at]) == "" {
			// Keep a blank line between heading and metadata.
			at++
		}
		if at < len(lines) && strings.TrimSpace(lines[at]) != "" && !metadataRegex.MatchString(lines[at]) {
			insert = append(insert, "")
		}
		lines = insertLines(lines, at, insert...)
		statusLine = at
	}

	if reason != "" {
		lines = insertLines(lines, statusLine+1, "**Failure reason**: "+reason)
	}
	return []byte(strings.Join(lines, "\n")), nil
}

func insertLines(lines []string, at int, add ...string) []string {
	out := make([]string, 0, len(lines)+len(add))
	out = append(out, lines[:at]...)
	out = append(out, add...)
	return append(out, lines[at:]...)
}
