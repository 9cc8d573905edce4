package usecase

import (
	"encoding/json"
	"strings"
)

// stripCodeFences removes Markdown code fence markers without touching
// the fenced content.
func stripCodeFences(text string) string {
	r := strings.NewReplacer("```json", "", "```JSON", "", "```", "")
	return strings.TrimSpace(r.Replace(text))
}

// jsonCandidates scans text for balanced top-level brace pairs and
// returns each candidate substring. String literals and escapes are
// respected so braces inside values do not break the scan.
func jsonCandidates(text string) []string {
	var candidates []string
	inString := false
	escape := false
	depth := 0
	start := -1

	for i, ch := range text {
		if inString {
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidates = append(candidates, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return candidates
}

// extractJSONObject locates the best JSON object inside free-form model
// output: fences are stripped, every balanced-brace candidate is parsed,
// and among candidates containing all required fields the last one wins.
func extractJSONObject(text string, required ...string) (string, bool) {
	text = stripCodeFences(text)
	var best string
	for _, candidate := range jsonCandidates(text) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			continue
		}
		ok := true
		for _, field := range required {
			if _, present := obj[field]; !present {
				ok = false
				break
			}
		}
		if ok {
			best = candidate
		}
	}
	return best, best != ""
}
