// Package verdict turns free-form oracle output into a structured verdict.
//
// The oracle is asked to answer with a single JSON object of the form
//
//	{"status": "...", "reply": "...", "task": "...", "params": {...}}
//
// but frequently wraps it in prose or code fences. Extract is total: it
// always returns a usable Verdict, never an error.
package verdict

import "strings"

// Kind is the classification of a raw status string.
type Kind string

const (
	KindNeedMoreInfo Kind = "need_more_info"
	KindReady        Kind = "ready"
	KindError        Kind = "error"
	// KindUnknown is any status the vocabulary does not recognize.
	KindUnknown Kind = "unknown"
)

// StatusNeedMoreInfo is the status assigned when the oracle gave none.
const StatusNeedMoreInfo = "need_more_info"

// DefaultClarifyReply is used when the oracle did not supply a reply.
const DefaultClarifyReply = "Could you clarify what the tool should do?"

// Readiness is the payload carried only by readiness verdicts.
type Readiness struct {
	Task   string         `json:"task"`
	Params map[string]any `json:"params"`
}

// Complete reports whether the readiness carries a usable task and params.
func (r *Readiness) Complete() bool {
	return r != nil && strings.TrimSpace(r.Task) != "" && len(r.Params) > 0
}

// Verdict is the structured interpretation of one oracle response.
type Verdict struct {
	// Status is the raw status string as sent by the oracle.
	Status string
	Kind   Kind
	Reply  string
	// Ready is non-nil only for KindReady verdicts that carried both a
	// task and params.
	Ready *Readiness
	// Structured is false when no JSON object could be recovered.
	Structured bool
}

// Fallback returns the verdict used when the oracle could not be reached.
func Fallback(reply string) Verdict {
	return Verdict{
		Status: StatusNeedMoreInfo,
		Kind:   KindNeedMoreInfo,
		Reply:  reply,
	}
}

// Vocabulary maps raw status strings onto kinds. The status spelling differs
// between deployments, so the set is configuration rather than a closed enum.
type Vocabulary struct {
	NeedMoreInfo []string `yaml:"need_more_info"`
	Ready        []string `yaml:"ready"`
	Error        []string `yaml:"error"`
}

// DefaultVocabulary returns the statuses observed across deployments.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		NeedMoreInfo: []string{"need_more_info"},
		Ready:        []string{"ready", "ready_to_generate", "ready_to_start_code_phase"},
		Error:        []string{"error"},
	}
}

// Classify returns the kind for a raw status. Comparison ignores case and
// surrounding whitespace.
func (v Vocabulary) Classify(status string) Kind {
	s := strings.ToLower(strings.TrimSpace(status))
	switch {
	case contains(v.NeedMoreInfo, s):
		return KindNeedMoreInfo
	case contains(v.Ready, s):
		return KindReady
	case contains(v.Error, s):
		return KindError
	default:
		return KindUnknown
	}
}

// Merge returns v with empty lists filled from d.
func (v Vocabulary) Merge(d Vocabulary) Vocabulary {
	if len(v.NeedMoreInfo) == 0 {
		v.NeedMoreInfo = d.NeedMoreInfo
	}
	if len(v.Ready) == 0 {
		v.Ready = d.Ready
	}
	if len(v.Error) == 0 {
		v.Error = d.Error
	}
	return v
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if strings.ToLower(strings.TrimSpace(item)) == s {
			return true
		}
	}
	return false
}
