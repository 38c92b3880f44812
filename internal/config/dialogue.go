package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jxucoder/ailex/internal/verdict"
)

// Dialogue is the wording of the conversation: which statuses the oracle
// may use, which words confirm the code phase, the oracle instructions and
// the canned replies. Every field may be overridden from a YAML file.
type Dialogue struct {
	Statuses      verdict.Vocabulary `yaml:"statuses"`
	ConfirmTokens []string           `yaml:"confirm_tokens"`
	Instructions  Instructions       `yaml:"instructions"`
	Replies       Replies            `yaml:"replies"`
}

// Instructions are the system prompts sent to the oracle.
type Instructions struct {
	// Chat is used while requirements are still being gathered.
	Chat string `yaml:"chat"`
	// Code is used to collect the final task and params.
	Code string `yaml:"code"`
	// Generate asks for the tool body. The task is appended after a newline.
	Generate string `yaml:"generate"`
}

// Replies are the fixed texts the dialogue answers with.
type Replies struct {
	Greeting     string `yaml:"greeting"`
	Help         string `yaml:"help"`
	Confirm      string `yaml:"confirm"`
	ConfirmAgain string `yaml:"confirm_again"`
	CodePhase    string `yaml:"code_phase"`
	HandedOff    string `yaml:"handed_off"`
	Failure      string `yaml:"failure"`
	Unreachable  string `yaml:"unreachable"`
	EmptyTurn    string `yaml:"empty_turn"`
}

// DefaultDialogue returns the built-in wording.
func DefaultDialogue() Dialogue {
	return Dialogue{
		Statuses:      verdict.DefaultVocabulary(),
		ConfirmTokens: []string{"готов", "go", "yes", "да", "start"},
		Instructions: Instructions{
			Chat:     chatInstruction,
			Code:     codeInstruction,
			Generate: "Create the tool:",
		},
		Replies: Replies{
			Greeting:     "Hi! Describe the tool you need and I will ask about anything that is unclear.",
			Help:         "Describe the tool you want in plain words. When I have enough detail I will ask you to confirm, then collect the final parameters and send you the archive.",
			Confirm:      "I think I have enough to start. Reply \"готов\" (or \"go\") when you want me to begin.",
			ConfirmAgain: "Reply \"готов\" (or \"go\") to start, or keep describing the tool.",
			CodePhase:    "Great, starting. Tell me the final parameters, or reply \"ok\" if everything is already said.",
			HandedOff:    "Your tool %q is ready.",
			Failure:      "Something went wrong on my side. Please try again.",
			Unreachable:  "I couldn't reach the assistant. Please rephrase or try again in a moment.",
			EmptyTurn:    "Your message is empty. Send some text describing the tool you need.",
		},
	}
}

// LoadDialogue reads a YAML dialogue file and fills anything it leaves out
// from the defaults. An empty path or a missing file yields the defaults.
func LoadDialogue(path string) (Dialogue, error) {
	def := DefaultDialogue()
	if path == "" {
		return def, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return def, nil
	}
	if err != nil {
		return Dialogue{}, fmt.Errorf("reading dialogue file: %w", err)
	}

	var d Dialogue
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Dialogue{}, fmt.Errorf("parsing dialogue file %s: %w", path, err)
	}
	return d.WithDefaults(), nil
}

// WithDefaults returns d with every empty field taken from DefaultDialogue.
func (d Dialogue) WithDefaults() Dialogue {
	def := DefaultDialogue()
	d.Statuses = d.Statuses.Merge(def.Statuses)
	if len(d.ConfirmTokens) == 0 {
		d.ConfirmTokens = def.ConfirmTokens
	}
	fill(&d.Instructions.Chat, def.Instructions.Chat)
	fill(&d.Instructions.Code, def.Instructions.Code)
	fill(&d.Instructions.Generate, def.Instructions.Generate)

	r, dr := &d.Replies, def.Replies
	fill(&r.Greeting, dr.Greeting)
	fill(&r.Help, dr.Help)
	fill(&r.Confirm, dr.Confirm)
	fill(&r.ConfirmAgain, dr.ConfirmAgain)
	fill(&r.CodePhase, dr.CodePhase)
	fill(&r.HandedOff, dr.HandedOff)
	fill(&r.Failure, dr.Failure)
	fill(&r.Unreachable, dr.Unreachable)
	fill(&r.EmptyTurn, dr.EmptyTurn)
	return d
}

func fill(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

const chatInstruction = `You help a user describe a small software tool they want built.

You receive the user's messages so far, one per line. Decide whether the
request is clear enough to start writing code.

Answer with a single JSON object and nothing else:
{"status": "...", "reply": "...", "task": "...", "params": {...}}

- status "need_more_info": something important is unclear. Put one short
  clarifying question in "reply". Omit "task" and "params".
- status "ready_to_start_code_phase": the request is clear. Summarize it in
  "reply". Omit "task" and "params".
- status "error": the request cannot be served. Explain in "reply".

Reply in the user's language.`

const codeInstruction = `You collect the final parameters for a tool the user has agreed to build.

You receive the user's messages so far, one per line. Extract a short task
label and a flat map of parameters (language, platform, inputs, limits and
any other concrete settings the user gave).

Answer with a single JSON object and nothing else:
{"status": "...", "reply": "...", "task": "...", "params": {...}}

- status "ready": "task" is a short label such as "password generator" and
  "params" is a non-empty object, e.g. {"length": 12, "language": "python"}.
- status "need_more_info": a required parameter is missing. Ask for it in
  "reply". Omit "task" and "params".

Reply in the user's language.`
