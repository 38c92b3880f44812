package verdict

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// verdictKeys are the fields an object must carry at least one of to be
// taken as the oracle's answer rather than an unrelated JSON fragment.
var verdictKeys = []string{"status", "reply", "task", "params"}

// Extract parses raw oracle output into a Verdict.
//
// The first well-formed brace-delimited object carrying a verdict key wins,
// scanning opening braces left to right. An outer span that does not parse
// falls through to the objects nested inside it, so two unrelated objects
// are never merged. When nothing parses, the first-open/last-close span is
// run through jsonrepair. When that fails too the raw text becomes the
// reply and the status is need_more_info.
func Extract(raw string, vocab Vocabulary) Verdict {
	obj, ok := findObject(raw)
	if !ok {
		reply := raw
		if strings.TrimSpace(reply) == "" {
			reply = DefaultClarifyReply
		}
		return Verdict{
			Status: StatusNeedMoreInfo,
			Kind:   KindNeedMoreInfo,
			Reply:  reply,
		}
	}
	return fromObject(obj, vocab)
}

func findObject(raw string) (map[string]any, bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] != '{' {
			continue
		}
		end := matchBrace(raw, i)
		if end < 0 {
			continue
		}
		if obj, ok := decodeObject(raw[i : end+1]); ok {
			return obj, true
		}
	}

	start := strings.Index(raw, "{")
	if start < 0 {
		return nil, false
	}
	span := raw[start:]
	if end := strings.LastIndex(raw, "}"); end > start {
		span = raw[start : end+1]
	}
	if !repairable(span) {
		return nil, false
	}
	repaired, err := jsonrepair.JSONRepair(span)
	if err != nil {
		return nil, false
	}
	return decodeObject(repaired)
}

// repairable reports whether span is safe to hand to jsonrepair, which
// recurses without bound on a single-quoted string holding a backslash.
// The result is a stack overflow that recover cannot catch.
func repairable(span string) bool {
	return !strings.ContainsRune(span, '\'') || !strings.ContainsRune(span, '\\')
}

// matchBrace returns the index of the brace closing the one at start, or -1.
// Braces inside JSON strings are ignored.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func decodeObject(s string) (map[string]any, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	for _, key := range verdictKeys {
		if _, ok := obj[key]; ok {
			return obj, true
		}
	}
	return nil, false
}

func fromObject(obj map[string]any, vocab Vocabulary) Verdict {
	v := Verdict{Structured: true, Status: StatusNeedMoreInfo}

	switch s := obj["status"].(type) {
	case nil:
	case string:
		if t := strings.TrimSpace(s); t != "" {
			v.Status = t
		}
	default:
		v.Status = fmt.Sprint(s)
	}
	v.Kind = vocab.Classify(v.Status)

	v.Reply = DefaultClarifyReply
	if r, ok := obj["reply"].(string); ok && strings.TrimSpace(r) != "" {
		v.Reply = r
	}

	task, hasTask := obj["task"].(string)
	params, hasParams := obj["params"].(map[string]any)
	if v.Kind == KindReady && hasTask && hasParams {
		v.Ready = &Readiness{Task: strings.TrimSpace(task), Params: params}
	}
	return v
}
