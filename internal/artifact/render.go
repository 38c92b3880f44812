// Package artifact renders, packages and holds the deliverable produced at
// the end of a dialogue.
package artifact

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// DefaultLanguage is used when the params do not name one.
const DefaultLanguage = "python"

// Content is a rendered source file.
type Content struct {
	Task     string
	Language string
	Platform string
	// Extension includes the leading dot.
	Extension string
	Code      string
}

type syntax struct {
	comment   string
	extension string
	body      string
}

var languages = map[string]syntax{
	"python":     {"#", ".py", "def main():\n    raise NotImplementedError(%q)\n\n\nif __name__ == \"__main__\":\n    main()\n"},
	"bash":       {"#", ".sh", "main() {\n    echo %q >&2\n    exit 1\n}\n\nmain \"$@\"\n"},
	"go":         {"//", ".go", "package main\n\nfunc main() {\n\tpanic(%q)\n}\n"},
	"javascript": {"//", ".js", "function main() {\n  throw new Error(%q);\n}\n\nmain();\n"},
	"typescript": {"//", ".ts", "function main(): void {\n  throw new Error(%q);\n}\n\nmain();\n"},
}

var languageAliases = map[string]string{
	"py":      "python",
	"python3": "python",
	"sh":      "bash",
	"shell":   "bash",
	"golang":  "go",
	"js":      "javascript",
	"node":    "javascript",
	"nodejs":  "javascript",
	"ts":      "typescript",
}

// Render produces the stub for task. Output is deterministic: params are
// listed in key order. The language and platform params select comment
// syntax and are echoed in the header.
func Render(task string, params map[string]any) Content {
	return renderBody(task, params, "")
}

// renderBody renders the header followed by body, or by the placeholder
// stub when body is empty.
func renderBody(task string, params map[string]any, body string) Content {
	task = strings.TrimSpace(task)
	lang := resolveLanguage(params)
	syn := languages[lang]

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s Task: %s\n", syn.comment, task)
	if len(keys) == 0 {
		fmt.Fprintf(&sb, "%s Parameters: none\n", syn.comment)
	} else {
		fmt.Fprintf(&sb, "%s Parameters:\n", syn.comment)
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s   %s: %s\n", syn.comment, k, formatValue(params[k]))
		}
	}
	fmt.Fprintf(&sb, "%s\n", syn.comment)
	if body == "" {
		fmt.Fprintf(&sb, "%s Generated stub. Replace the body below with the implementation.\n\n", syn.comment)
		fmt.Fprintf(&sb, syn.body, "not implemented: "+task)
	} else {
		sb.WriteString("\n")
		sb.WriteString(strings.TrimRight(body, "\n"))
		sb.WriteString("\n")
	}

	return Content{
		Task:      task,
		Language:  lang,
		Platform:  stringParam(params, "platform"),
		Extension: syn.extension,
		Code:      sb.String(),
	}
}

func resolveLanguage(params map[string]any) string {
	lang := strings.ToLower(stringParam(params, "language"))
	if alias, ok := languageAliases[lang]; ok {
		lang = alias
	}
	if _, ok := languages[lang]; !ok {
		return DefaultLanguage
	}
	return lang
}

func stringParam(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = formatValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + formatValue(val[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return strings.ReplaceAll(fmt.Sprint(val), "\n", " ")
	}
}

// FileToken turns a task label into a safe file name stem: whitespace runs
// become one underscore and anything other than letters, digits, '-', '_'
// and '.' is dropped.
func FileToken(task string) string {
	var sb strings.Builder
	pendingSep := false
	for _, r := range strings.TrimSpace(task) {
		switch {
		case unicode.IsSpace(r):
			pendingSep = sb.Len() > 0
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.':
			if pendingSep {
				sb.WriteByte('_')
				pendingSep = false
			}
			sb.WriteRune(unicode.ToLower(r))
		}
	}
	token := strings.Trim(sb.String(), "._-")
	if token == "" {
		return "tool"
	}
	if r := []rune(token); len(r) > 64 {
		token = string(r[:64])
	}
	return token
}
