package breakdown

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractSteps recovers a list of step titles from raw model output.
//
// Models do not reliably return bare JSON, so parsing degrades gracefully:
// first the whole text is parsed as a JSON string array, then the outermost
// bracketed span is tried, and finally the text is split into lines with
// bullet and numbering prefixes stripped.
func ExtractSteps(text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("breakdown: empty model output")
	}

	if steps, ok := parseStringArray(text); ok {
		return steps, nil
	}

	if start, end := strings.Index(text, "["), strings.LastIndex(text, "]"); start >= 0 && end > start {
		if steps, ok := parseStringArray(text[start : end+1]); ok {
			return steps, nil
		}
	}

	steps := splitLines(text)
	if len(steps) == 0 {
		return nil, fmt.Errorf("breakdown: no steps found in model output")
	}
	return steps, nil
}

func parseStringArray(text string) ([]string, bool) {
	var raw []string
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, false
	}
	var steps []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			steps = append(steps, s)
		}
	}
	return steps, len(steps) > 0
}

func splitLines(text string) []string {
	var steps []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• \t")
		line = trimNumbering(line)
		line = strings.Trim(line, `"',`)
		if line != "" {
			steps = append(steps, line)
		}
	}
	return steps
}

// trimNumbering removes leading "1." / "2)" style prefixes.
func trimNumbering(line string) string {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(line) {
		return line
	}
	if line[i] == '.' || line[i] == ')' {
		return strings.TrimSpace(line[i+1:])
	}
	return line
}
