// Package dialogue drives a user's conversation from first message to the
// delivered artifact.
//
// Every turn runs under the user's session lock: the session is read, the
// oracle consulted, the verdict interpreted and the session updated before
// the lock is released. Turns for different users run concurrently.
//
// State flow:
//
//	chat -> awaiting_confirmation -> code -> handed_off
//	                                      \-> error
//
// handed_off and error are terminal and remove the session, so the next
// turn starts a fresh chat.
package dialogue

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/jxucoder/ailex/internal/artifact"
	"github.com/jxucoder/ailex/internal/catalog"
	"github.com/jxucoder/ailex/internal/config"
	"github.com/jxucoder/ailex/internal/oracle"
	"github.com/jxucoder/ailex/internal/session"
	"github.com/jxucoder/ailex/internal/verdict"
)

// ErrEmptyTurn is returned for blank input. The session is not touched.
var ErrEmptyTurn = errors.New("message is empty")

// State is the position of a dialogue after a turn.
type State string

const (
	StateChat                 State = State(session.ModeChat)
	StateAwaitingConfirmation State = State(session.ModeAwaitingConfirmation)
	StateCode                 State = State(session.ModeCode)
	// StateHandedOff means the artifact was produced and the session cleared.
	StateHandedOff State = "handed_off"
	// StateError means the dialogue failed and the session was cleared.
	StateError State = "error"
)

// Terminal reports whether the session was removed by this turn.
func (s State) Terminal() bool {
	return s == StateHandedOff || s == StateError
}

// Reply is what the transport layer renders back to the user.
type Reply struct {
	Text  string `json:"reply"`
	State State  `json:"state"`
	// Status is the raw oracle status, empty when the oracle was not asked.
	Status string `json:"status,omitempty"`
	// Artifact is set on handoff.
	Artifact *artifact.Artifact `json:"artifact,omitempty"`
	GistURL  string             `json:"gist_url,omitempty"`
}

// Classifier asks the oracle about the dialogue so far.
type Classifier interface {
	Classify(ctx context.Context, dialogue string, mode session.Mode) oracle.Outcome
}

// Catalog records produced tools.
type Catalog interface {
	Save(ctx context.Context, t *catalog.Tool) error
}

// Publisher shares produced tools outside the service.
type Publisher interface {
	PublishGist(ctx context.Context, art *artifact.Artifact) (string, error)
}

// Deps are the collaborators of a Machine. Sessions, Oracle and Artifacts
// are required; the rest are optional.
type Deps struct {
	Sessions  *session.Store
	Oracle    Classifier
	Artifacts *artifact.Store
	Generator artifact.Generator
	Catalog   Catalog
	Gists     Publisher
	Dialogue  config.Dialogue
	Metrics   *Metrics
	Logger    *zap.Logger
}

// Machine is the dialogue state machine.
type Machine struct {
	sessions  *session.Store
	oracle    Classifier
	artifacts *artifact.Store
	generator artifact.Generator
	catalog   Catalog
	gists     Publisher
	dialogue  config.Dialogue
	confirm   map[string]struct{}
	metrics   *Metrics
	logger    *zap.Logger
}

// New creates a Machine. A zero Dialogue uses the built-in wording.
func New(d Deps) *Machine {
	if d.Generator == nil {
		d.Generator = artifact.TemplateGenerator{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Dialogue = d.Dialogue.WithDefaults()

	confirm := make(map[string]struct{}, len(d.Dialogue.ConfirmTokens))
	for _, tok := range d.Dialogue.ConfirmTokens {
		if tok = normalizeToken(tok); tok != "" {
			confirm[tok] = struct{}{}
		}
	}

	return &Machine{
		sessions:  d.Sessions,
		oracle:    d.Oracle,
		artifacts: d.Artifacts,
		generator: d.Generator,
		catalog:   d.Catalog,
		gists:     d.Gists,
		dialogue:  d.Dialogue,
		confirm:   confirm,
		metrics:   d.Metrics,
		logger:    d.Logger,
	}
}

// Replies returns the canned texts in use.
func (m *Machine) Replies() config.Replies {
	return m.dialogue.Replies
}

// HandleTurn advances userID's dialogue by one inbound message.
func (m *Machine) HandleTurn(ctx context.Context, userID, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyTurn
	}

	unlock := m.sessions.Lock(userID)
	defer unlock()
	defer func() { m.metrics.SetActive(m.sessions.Len()) }()

	sess := m.sessions.GetOrCreate(userID)
	m.metrics.turn(string(sess.Mode))

	switch sess.Mode {
	case session.ModeAwaitingConfirmation:
		return m.awaitConfirmation(userID, text), nil
	case session.ModeCode:
		return m.collect(ctx, userID, text), nil
	default:
		return m.chat(ctx, userID, text), nil
	}
}

// Start discards any dialogue in progress and opens a fresh one.
func (m *Machine) Start(_ context.Context, userID string) *Reply {
	unlock := m.sessions.Lock(userID)
	defer unlock()

	m.sessions.Reset(userID)
	m.sessions.GetOrCreate(userID)
	m.metrics.SetActive(m.sessions.Len())

	m.logger.Info("dialogue started", zap.String("user_id", userID))
	return &Reply{Text: m.dialogue.Replies.Greeting, State: StateChat}
}

func (m *Machine) chat(ctx context.Context, userID, text string) *Reply {
	m.sessions.AppendTurn(userID, text, session.RoleUser)

	v, ok := m.consult(ctx, userID, session.ModeChat)
	if !ok {
		return &Reply{Text: m.dialogue.Replies.Unreachable, State: StateChat, Status: v.Status}
	}

	switch v.Kind {
	case verdict.KindNeedMoreInfo:
		return &Reply{Text: v.Reply, State: StateChat, Status: v.Status}
	case verdict.KindReady:
		m.sessions.SetMode(userID, session.ModeAwaitingConfirmation)
		return &Reply{Text: m.dialogue.Replies.Confirm, State: StateAwaitingConfirmation, Status: v.Status}
	case verdict.KindError:
		return &Reply{Text: m.dialogue.Replies.Failure, State: StateChat, Status: v.Status}
	default:
		return m.fail(userID, v)
	}
}

func (m *Machine) awaitConfirmation(userID, text string) *Reply {
	if _, ok := m.confirm[normalizeToken(text)]; ok {
		m.sessions.SetMode(userID, session.ModeCode)
		m.logger.Debug("code phase confirmed", zap.String("user_id", userID))
		return &Reply{Text: m.dialogue.Replies.CodePhase, State: StateCode}
	}
	m.sessions.Touch(userID)
	return &Reply{Text: m.dialogue.Replies.ConfirmAgain, State: StateAwaitingConfirmation}
}

func (m *Machine) collect(ctx context.Context, userID, text string) *Reply {
	m.sessions.AppendTurn(userID, text, session.RoleUser)

	v, ok := m.consult(ctx, userID, session.ModeCode)
	if !ok {
		return &Reply{Text: m.dialogue.Replies.Unreachable, State: StateCode, Status: v.Status}
	}

	switch v.Kind {
	case verdict.KindReady:
		if v.Ready.Complete() {
			return m.handoff(ctx, userID, v)
		}
		return &Reply{Text: v.Reply, State: StateCode, Status: v.Status}
	case verdict.KindNeedMoreInfo:
		return &Reply{Text: v.Reply, State: StateCode, Status: v.Status}
	case verdict.KindError:
		return &Reply{Text: m.dialogue.Replies.Failure, State: StateCode, Status: v.Status}
	default:
		return m.fail(userID, v)
	}
}

// consult sends the user's turns to the oracle. ok is false when the oracle
// could not be reached.
func (m *Machine) consult(ctx context.Context, userID string, mode session.Mode) (verdict.Verdict, bool) {
	sess, _ := m.sessions.Get(userID)
	out := m.oracle.Classify(ctx, DialogueText(sess.History), mode)
	if out.Fallback {
		m.metrics.fallback()
		return verdict.Fallback(m.dialogue.Replies.Unreachable), false
	}

	v := verdict.Extract(out.Raw, m.dialogue.Statuses)
	m.metrics.verdict(v.Kind)
	m.logger.Debug("oracle verdict",
		zap.String("user_id", userID),
		zap.String("mode", string(mode)),
		zap.String("status", v.Status),
		zap.String("kind", string(v.Kind)),
		zap.Bool("structured", v.Structured))
	return v, true
}

func (m *Machine) fail(userID string, v verdict.Verdict) *Reply {
	m.sessions.Reset(userID)
	m.logger.Warn("unrecognized oracle status, session reset",
		zap.String("user_id", userID),
		zap.String("status", v.Status))
	return &Reply{Text: m.dialogue.Replies.Failure, State: StateError, Status: v.Status}
}

// DialogueText is what the oracle sees: the user's turns, one per line.
func DialogueText(history []session.Turn) string {
	var sb strings.Builder
	for _, t := range history {
		if t.Role != session.RoleUser {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(t.Text)
	}
	return sb.String()
}

func normalizeToken(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	return strings.ToLower(s)
}
