package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	jsonFence = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	anyFence  = regexp.MustCompile("(?s)```\\s*(.*?)\\s*```")
)

// ExtractJSON pulls a JSON object out of model output. A ```json fence wins,
// then any fence whose body parses, then the span from the first { to the
// last }. Text with none of these is returned trimmed.
func ExtractJSON(text string) string {
	if m := jsonFence.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := anyFence.FindStringSubmatch(text); m != nil && json.Valid([]byte(m[1])) {
		return m[1]
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// ParseObject extracts and decodes a JSON object from model output.
func ParseObject(text string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(ExtractJSON(text)), &obj); err != nil {
		return nil, eris.Wrap(err, "agent: malformed json")
	}
	return obj, nil
}
