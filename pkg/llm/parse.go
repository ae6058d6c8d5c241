package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	sqlFence    = regexp.MustCompile("(?is)```sql\\s*(.*?)\\s*```")
	anyFence    = regexp.MustCompile("(?s)```(?:[a-zA-Z]*)\\s*(.*?)\\s*```")
	selectStmt  = regexp.MustCompile(`(?is)\b(SELECT\b.*?)(?:;|$)`)
	jsonFence   = regexp.MustCompile("(?is)```json\\s*(.*?)\\s*```")
	extraSpaces = regexp.MustCompile(`\s+`)
)

// ExtractSQL pulls the query out of a model response: a ```sql block first,
// then any fenced block, then a bare SELECT statement, then the whole trimmed response
func ExtractSQL(response string) string {
	if m := sqlFence.FindStringSubmatch(response); m != nil {
		return normalizeSQL(m[1])
	}
	if m := anyFence.FindStringSubmatch(response); m != nil {
		return normalizeSQL(m[1])
	}
	if m := selectStmt.FindStringSubmatch(response); m != nil {
		return normalizeSQL(m[1])
	}
	return normalizeSQL(response)
}

func normalizeSQL(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(extraSpaces.ReplaceAllString(s, " "))
}

// DecodeJSON finds the first JSON object in a model response and decodes it into out
func DecodeJSON(response string, out any) error {
	body := response
	if m := jsonFence.FindStringSubmatch(response); m != nil {
		body = m[1]
	}

	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(body[start:end+1]), out); err != nil {
		return fmt.Errorf("decode model JSON: %w", err)
	}
	return nil
}
