package scanning

import (
	"encoding/json"
	"errors"
	"strings"
)

const responseSnippetLen = 500

// ParseResponse decodes the raw extractor text into a JSON object.
// A response wrapped in a markdown code fence has its first and last lines dropped.
// No schema is enforced here; an empty object is a valid result.
func ParseResponse(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	body := stripFence(text)

	var value any
	if err := json.Unmarshal([]byte(body), &value); err != nil {
		return nil, &ParseError{Err: err, Response: truncate(text, responseSnippetLen)}
	}

	data, ok := value.(map[string]any)
	if !ok {
		return nil, &ParseError{Err: errors.New("response is not a JSON object"), Response: truncate(text, responseSnippetLen)}
	}
	return data, nil
}

// stripFence removes "```json" ... "```" wrapping
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return ""
	}
	return strings.Join(lines[1:len(lines)-1], "\n")
}

// truncate cuts s to at most n characters without splitting a rune
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
