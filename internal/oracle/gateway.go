// Package oracle talks to the external text-generation backend.
//
// The gateway never fails a turn: every transport fault comes back as a
// fallback Outcome that the dialogue treats as "ask the user again". There
// is no retry.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/ailex/internal/config"
	"github.com/jxucoder/ailex/internal/session"
)

// Completer is a minimal interface for making LLM API calls: a system
// prompt and a user prompt in, text out.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// DefaultTimeout bounds a single backend call.
const DefaultTimeout = 45 * time.Second

var (
	// ErrEmptyResponse is the fallback cause when the backend returned no text.
	ErrEmptyResponse = errors.New("empty response from oracle")
	// ErrNoBackend is the fallback cause when no Completer is configured.
	ErrNoBackend = errors.New("no oracle backend configured")
)

// Outcome is the result of one classification round-trip. When Fallback is
// set the backend could not be used and Raw is empty.
type Outcome struct {
	Raw      string
	Fallback bool
	Cause    error
}

// Gateway sends dialogue text to the backend with a mode-selected
// instruction.
type Gateway struct {
	llm          Completer
	instructions config.Instructions
	timeout      time.Duration
	logger       *zap.Logger
}

// NewGateway creates a Gateway. Empty instructions fall back to the
// built-in ones; a non-positive timeout uses DefaultTimeout.
func NewGateway(llm Completer, instructions config.Instructions, timeout time.Duration, logger *zap.Logger) *Gateway {
	def := config.DefaultDialogue().Instructions
	if instructions.Chat == "" {
		instructions.Chat = def.Chat
	}
	if instructions.Code == "" {
		instructions.Code = def.Code
	}
	if instructions.Generate == "" {
		instructions.Generate = def.Generate
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{llm: llm, instructions: instructions, timeout: timeout, logger: logger}
}

// Instruction returns the system prompt used for mode.
func (g *Gateway) Instruction(mode session.Mode) string {
	if mode == session.ModeCode {
		return g.instructions.Code
	}
	return g.instructions.Chat
}

// Classify asks the backend to judge dialogue, the user's turns so far.
func (g *Gateway) Classify(ctx context.Context, dialogue string, mode session.Mode) Outcome {
	if g.llm == nil {
		return Outcome{Fallback: true, Cause: ErrNoBackend}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	raw, err := g.llm.Complete(ctx, g.Instruction(mode), dialogue)
	if err == nil && strings.TrimSpace(raw) == "" {
		err = ErrEmptyResponse
	}
	if err != nil {
		g.logger.Warn("oracle call failed",
			zap.String("mode", string(mode)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return Outcome{Fallback: true, Cause: err}
	}

	g.logger.Debug("oracle replied",
		zap.String("mode", string(mode)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("bytes", len(raw)))
	return Outcome{Raw: raw}
}

// WriteCode asks the backend for the body of the tool. The system prompt is
// the generate instruction followed by the task; params go as JSON in the
// user turn.
func (g *Gateway) WriteCode(ctx context.Context, task string, params map[string]any) (string, error) {
	if g.llm == nil {
		return "", ErrNoBackend
	}

	user, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encoding params: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.llm.Complete(ctx, g.instructions.Generate+"\n"+task, string(user))
	if err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}
	return out, nil
}
