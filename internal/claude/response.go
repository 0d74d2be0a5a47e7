package claude

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/harrison/relay/internal/models"
)

// Envelope is the JSON object printed by `claude --output-format json`.
type Envelope struct {
	Type             string          `json:"type"`
	Subtype          string          `json:"subtype"`
	IsError          bool            `json:"is_error"`
	Result           string          `json:"result"`
	Content          string          `json:"content"`
	Error            string          `json:"error"`
	SessionID        string          `json:"session_id"`
	StructuredOutput json.RawMessage `json:"structured_output"`
	Usage            Usage           `json:"usage"`
}

// Usage is the token accounting reported by the CLI.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// Tokens converts usage into the model-level counter. Cache reads and
// writes count as input.
func (u Usage) Tokens() models.TokenUsage {
	return models.TokenUsage{
		Input:  u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens,
		Output: u.OutputTokens,
	}
}

// payload returns the agent's answer: structured output when the schema
// produced one, else content, else result.
func (e *Envelope) payload() string {
	if so := bytes.TrimSpace(e.StructuredOutput); len(so) > 0 && !bytes.Equal(so, []byte("null")) && !bytes.Equal(so, []byte("{}")) {
		return string(so)
	}
	if e.Content != "" {
		return e.Content
	}
	return e.Result
}

// ParseEnvelope decodes raw CLI output. Output that is not a JSON object
// (a warning printed before it, a code fence around it) is searched for
// the outermost braces first. When the JSON found is not an envelope it
// becomes the payload itself. ok is false when no JSON was found.
func ParseEnvelope(raw []byte) (env Envelope, payload string, ok bool) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return env, "", false
	}
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		extracted := ExtractJSON(text)
		if extracted == "" {
			return Envelope{}, "", false
		}
		env = Envelope{}
		if err := json.Unmarshal([]byte(extracted), &env); err != nil {
			return Envelope{}, "", false
		}
		text = extracted
	}
	if p := env.payload(); p != "" {
		return env, p, true
	}
	return env, text, true
}

// ParseResponse extracts the payload and session ID from CLI output.
func ParseResponse(raw []byte) (content, sessionID string, err error) {
	env, payload, ok := ParseEnvelope(raw)
	if !ok {
		return "", "", nil
	}
	return payload, env.SessionID, nil
}

// ExtractJSON returns the substring between the first '{' and the last '}',
// or "" when there is none.
func ExtractJSON(content string) string {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return ""
}

// decodePayload unmarshals payload into v, retrying on the embedded JSON
// object when the payload carries prose around it.
func decodePayload(payload string, v interface{}) error {
	err := json.Unmarshal([]byte(payload), v)
	if err == nil {
		return nil
	}
	if extracted := ExtractJSON(payload); extracted != "" && extracted != payload {
		if json.Unmarshal([]byte(extracted), v) == nil {
			return nil
		}
	}
	return err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
