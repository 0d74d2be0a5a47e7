package taskboard

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/harrison/relay/internal/models"
)

type yamlBoard struct {
	Tasks []yamlTask `yaml:"tasks"`
}

type yamlTask struct {
	ID            string   `yaml:"id"`
	Objective     string   `yaml:"objective"`
	Priority      int      `yaml:"priority"`
	DependsOn     []string `yaml:"depends_on"`
	Tags          []string `yaml:"tags"`
	Files         []string `yaml:"files"`
	Status        string   `yaml:"status"`
	FailureReason string   `yaml:"failure_reason"`
}

type yamlCodec struct{}

func (yamlCodec) parse(content []byte) ([]models.Task, error) {
	var board yamlBoard
	if err := yaml.Unmarshal(content, &board); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBoard, err)
	}
	tasks := make([]models.Task, 0, len(board.Tasks))
	for _, t := range board.Tasks {
		tasks = append(tasks, models.Task{
			ID:            t.ID,
			Objective:     t.Objective,
			Priority:      t.Priority,
			DependsOn:     t.DependsOn,
			Tags:          t.Tags,
			Files:         t.Files,
			Status:        t.Status,
			FailureReason: t.FailureReason,
		})
	}
	return tasks, nil
}

// setStatus edits the document tree so comments and key order survive.
func (yamlCodec) setStatus(content []byte, id, status, reason string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBoard, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidBoard)
	}
	tasksNode := findMapValue(doc.Content[0], "tasks")
	if tasksNode == nil || tasksNode.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%w: tasks sequence not found", ErrInvalidBoard)
	}

	var taskNode *yaml.Node
	for _, item := range tasksNode.Content {
		if v := findMapValue(item, "id"); v != nil && v.Value == id {
			taskNode = item
			break
		}
	}
	if taskNode == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	setMapScalar(taskNode, "status", status)
	if reason != "" {
		setMapScalar(taskNode, "failure_reason", reason)
	} else {
		removeMapKey(taskNode, "failure_reason")
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("failed to encode task board: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode task board: %w", err)
	}
	return buf.Bytes(), nil
}

func findMapValue(mapping *yaml.Node, key string) *yaml.Node {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func setMapScalar(mapping *yaml.Node, key, value string) {
	if v := findMapValue(mapping, key); v != nil {
		v.Kind = yaml.ScalarNode
		v.Tag = "!!str"
		v.Style = 0
		v.Value = value
		v.Content = nil
		return
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}

func removeMapKey(mapping *yaml.Node, key string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content = append(mapping.Content[:i], mapping.Content[i+2:]...)
			return
		}
	}
}
