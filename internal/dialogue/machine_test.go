package dialogue

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jxucoder/ailex/internal/artifact"
	"github.com/jxucoder/ailex/internal/catalog"
	"github.com/jxucoder/ailex/internal/config"
	"github.com/jxucoder/ailex/internal/oracle"
	"github.com/jxucoder/ailex/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type call struct {
	dialogue string
	mode     session.Mode
}

// scriptedOracle replays outcomes in order and repeats the last one.
type scriptedOracle struct {
	mu       sync.Mutex
	outcomes []oracle.Outcome
	calls    []call
	gate     chan struct{}
}

func replies(raws ...string) *scriptedOracle {
	o := &scriptedOracle{}
	for _, r := range raws {
		o.outcomes = append(o.outcomes, oracle.Outcome{Raw: r})
	}
	return o
}

func (o *scriptedOracle) Classify(ctx context.Context, dialogue string, mode session.Mode) oracle.Outcome {
	if o.gate != nil {
		<-o.gate
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, call{dialogue: dialogue, mode: mode})
	i := len(o.calls) - 1
	if i >= len(o.outcomes) {
		i = len(o.outcomes) - 1
	}
	return o.outcomes[i]
}

func (o *scriptedOracle) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

type fakeCatalog struct {
	mu    sync.Mutex
	tools []*catalog.Tool
	err   error
}

func (c *fakeCatalog) Save(_ context.Context, t *catalog.Tool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.tools = append(c.tools, t)
	return nil
}

type fakePublisher struct {
	url string
	err error
}

func (p fakePublisher) PublishGist(context.Context, *artifact.Artifact) (string, error) {
	return p.url, p.err
}

type harness struct {
	m         *Machine
	sessions  *session.Store
	artifacts *artifact.Store
	oracle    *scriptedOracle
	catalog   *fakeCatalog
	reg       *prometheus.Registry
}

func newHarness(t *testing.T, o *scriptedOracle, opts ...func(*Deps)) *harness {
	t.Helper()
	arts, err := artifact.NewStore(16)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	h := &harness{
		sessions:  session.NewStore(),
		artifacts: arts,
		oracle:    o,
		catalog:   &fakeCatalog{},
		reg:       reg,
	}
	deps := Deps{
		Sessions:  h.sessions,
		Oracle:    o,
		Artifacts: arts,
		Catalog:   h.catalog,
		Dialogue:  config.DefaultDialogue(),
		Metrics:   MustNewMetrics(reg),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.m = New(deps)
	return h
}

// counter returns the value of a registered counter without labels.
func (h *harness) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func (h *harness) turn(t *testing.T, user, text string) *Reply {
	t.Helper()
	r, err := h.m.HandleTurn(context.Background(), user, text)
	require.NoError(t, err)
	return r
}

const (
	needMore   = `{"status":"need_more_info","reply":"Which language?"}`
	readyChat  = `{"status":"ready_to_generate","reply":"Got it."}`
	readyFinal = `{"status":"ready","reply":"Done.","task":"password generator","params":{"length":12}}`
)

func TestScenarioA_ChatStaysChat(t *testing.T) {
	h := newHarness(t, replies(needMore))

	for _, msg := range []string{"I need a tool", "for passwords", "strong ones"} {
		r := h.turn(t, "u1", msg)
		require.Equal(t, StateChat, r.State)
		require.Equal(t, "Which language?", r.Text)
		require.Nil(t, r.Artifact)
	}

	sess, ok := h.sessions.Get("u1")
	require.True(t, ok)
	require.Equal(t, session.ModeChat, sess.Mode)
	require.Len(t, sess.History, 3)
	require.Equal(t, 0, h.artifacts.Len())

	require.Equal(t, "I need a tool\nfor passwords\nstrong ones", h.oracle.calls[2].dialogue)
	require.Equal(t, session.ModeChat, h.oracle.calls[2].mode)
}

func TestScenarioB_ConfirmationEntersCode(t *testing.T) {
	h := newHarness(t, replies(readyChat, needMore))

	r := h.turn(t, "u1", "password generator please")
	require.Equal(t, StateAwaitingConfirmation, r.State)
	require.Equal(t, "ready_to_generate", r.Status)

	r = h.turn(t, "u1", "Готов!")
	require.Equal(t, StateCode, r.State)
	require.Equal(t, h.m.Replies().CodePhase, r.Text)
	require.Equal(t, 1, h.oracle.callCount(), "confirmation does not consult the oracle")

	r = h.turn(t, "u1", "length 12")
	require.Equal(t, StateCode, r.State)
	require.Equal(t, session.ModeCode, h.oracle.calls[1].mode)

	sess, _ := h.sessions.Get("u1")
	require.Equal(t, session.ModeCode, sess.Mode)
	require.Len(t, sess.History, 2)
}

func TestAwaitingConfirmationRejectsOtherText(t *testing.T) {
	h := newHarness(t, replies(readyChat))
	h.turn(t, "u1", "make me a tool")

	r := h.turn(t, "u1", "hmm, not sure")
	require.Equal(t, StateAwaitingConfirmation, r.State)
	require.Equal(t, h.m.Replies().ConfirmAgain, r.Text)

	sess, _ := h.sessions.Get("u1")
	require.Equal(t, session.ModeAwaitingConfirmation, sess.Mode)
	require.Len(t, sess.History, 1)
}

func TestScenarioC_HandoffProducesArtifact(t *testing.T) {
	h := newHarness(t, replies(readyChat, readyFinal), func(d *Deps) {
		d.Gists = fakePublisher{url: "https://gist.github.com/x"}
	})

	h.turn(t, "u1", "password generator")
	h.turn(t, "u1", "go")
	r := h.turn(t, "u1", "length 12")

	require.Equal(t, StateHandedOff, r.State)
	require.True(t, r.State.Terminal())
	require.NotNil(t, r.Artifact)
	require.Equal(t, "https://gist.github.com/x", r.GistURL)
	require.Contains(t, r.Text, "password generator")

	_, ok := h.sessions.Get("u1")
	require.False(t, ok, "session removed after handoff")

	art, err := h.m.Artifact("u1")
	require.NoError(t, err)
	require.Equal(t, r.Artifact.ID, art.ID)

	zr, err := zip.NewReader(bytes.NewReader(art.Data), int64(len(art.Data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	require.Equal(t, "password_generator.py", zr.File[0].Name)
	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "password generator")
	require.Contains(t, string(body), "length: 12")

	require.Len(t, h.catalog.tools, 1)
	require.Equal(t, "length: 12", h.catalog.tools[0].Description)
	require.Equal(t, float64(1), h.counter(t, "ailex_dialogue_handoffs_total"))

	// The next turn starts a fresh chat.
	h.oracle.outcomes = append(h.oracle.outcomes, oracle.Outcome{Raw: needMore})
	r = h.turn(t, "u1", "another one")
	require.Equal(t, StateChat, r.State)
	sess, _ := h.sessions.Get("u1")
	require.Len(t, sess.History, 1)
}

func TestHandoffSurvivesCatalogAndGistFailures(t *testing.T) {
	h := newHarness(t, replies(readyChat, readyFinal), func(d *Deps) {
		d.Catalog = &fakeCatalog{err: errors.New("disk full")}
		d.Gists = fakePublisher{err: errors.New("bad credentials")}
	})

	h.turn(t, "u1", "x")
	h.turn(t, "u1", "go")
	r := h.turn(t, "u1", "y")
	require.Equal(t, StateHandedOff, r.State)
	require.Empty(t, r.GistURL)

	_, err := h.artifacts.Get("u1")
	require.NoError(t, err)
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, string, map[string]any) (artifact.Content, error) {
	return artifact.Content{}, errors.New("model unavailable")
}

func TestHandoffGeneratorFailureResetsSession(t *testing.T) {
	h := newHarness(t, replies(readyChat, readyFinal), func(d *Deps) {
		d.Generator = failingGenerator{}
	})

	h.turn(t, "u1", "x")
	h.turn(t, "u1", "go")
	r := h.turn(t, "u1", "y")
	require.Equal(t, StateError, r.State)
	require.True(t, r.State.Terminal())
	require.Equal(t, h.m.Replies().Failure, r.Text)
	require.Nil(t, r.Artifact)

	_, ok := h.sessions.Get("u1")
	require.False(t, ok)
	require.Equal(t, 0, h.artifacts.Len())
	require.Empty(t, h.catalog.tools)
	require.Equal(t, float64(0), h.counter(t, "ailex_dialogue_handoffs_total"))

	// The next turn opens a fresh dialogue.
	h.turn(t, "u1", "again")
	sess, ok := h.sessions.Get("u1")
	require.True(t, ok)
	require.Len(t, sess.History, 1)
}

func TestHandedOffText(t *testing.T) {
	tests := []struct {
		tmpl string
		want string
	}{
		{"Your tool %q is ready.", `Your tool "timer" is ready.`},
		{"100% done: %s", "100% done: timer"},
		{"Ready, 100% done.", "Ready, 100% done."},
		{"%s (%q)", "timer (%q)"},
		{"No task here.", "No task here."},
	}
	for _, tt := range tests {
		d := config.DefaultDialogue()
		d.Replies.HandedOff = tt.tmpl
		m := New(Deps{Dialogue: d})
		require.Equal(t, tt.want, m.handedOffText("timer"), "template %q", tt.tmpl)
	}
}

func TestCodeReadyWithoutParamsStaysInCode(t *testing.T) {
	h := newHarness(t, replies(readyChat, `{"status":"ready","reply":"Which length?","task":"password generator","params":{}}`))

	h.turn(t, "u1", "x")
	h.turn(t, "u1", "go")
	r := h.turn(t, "u1", "y")
	require.Equal(t, StateCode, r.State)
	require.Equal(t, "Which length?", r.Text)
	require.Equal(t, 0, h.artifacts.Len())
}

func TestScenarioD_ProseReplyStaysChat(t *testing.T) {
	h := newHarness(t, replies("Please clarify your request"))

	r := h.turn(t, "u1", "hello")
	require.Equal(t, StateChat, r.State)
	require.Equal(t, "need_more_info", r.Status)
	require.Equal(t, "Please clarify your request", r.Text)

	sess, _ := h.sessions.Get("u1")
	require.Equal(t, session.ModeChat, sess.Mode)
}

func TestScenarioE_SweepEvictsIdle(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	arts, _ := artifact.NewStore(4)
	sessions := session.NewStore(session.WithClock(clock))
	m := New(Deps{Sessions: sessions, Oracle: replies(needMore), Artifacts: arts})

	_, err := m.HandleTurn(context.Background(), "old", "hi")
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(50 * time.Minute)
	mu.Unlock()
	_, err = m.HandleTurn(context.Background(), "fresh", "hi")
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(20 * time.Minute)
	mu.Unlock()

	evicted := sessions.Sweep(60 * time.Minute)
	require.Equal(t, []string{"old"}, evicted)
	_, ok := sessions.Get("fresh")
	require.True(t, ok)
}

func TestOracleFallbackKeepsState(t *testing.T) {
	o := &scriptedOracle{outcomes: []oracle.Outcome{{Fallback: true, Cause: context.DeadlineExceeded}}}
	h := newHarness(t, o)

	r := h.turn(t, "u1", "hello")
	require.Equal(t, StateChat, r.State)
	require.Equal(t, h.m.Replies().Unreachable, r.Text)
	require.Equal(t, float64(1), h.counter(t, "ailex_oracle_fallbacks_total"))

	sess, ok := h.sessions.Get("u1")
	require.True(t, ok)
	require.Equal(t, session.ModeChat, sess.Mode)
}

func TestExplicitErrorIsRecoverable(t *testing.T) {
	h := newHarness(t, replies(`{"status":"error","reply":"cannot"}`))

	r := h.turn(t, "u1", "hello")
	require.Equal(t, StateChat, r.State)
	require.Equal(t, h.m.Replies().Failure, r.Text)

	_, ok := h.sessions.Get("u1")
	require.True(t, ok)
}

func TestUnknownStatusResetsSession(t *testing.T) {
	for _, mode := range []string{"chat", "code"} {
		t.Run(mode, func(t *testing.T) {
			raws := []string{`{"status":"banana"}`}
			if mode == "code" {
				raws = []string{readyChat, `{"status":"banana"}`}
			}
			h := newHarness(t, replies(raws...))
			if mode == "code" {
				h.turn(t, "u1", "x")
				h.turn(t, "u1", "go")
			}

			r := h.turn(t, "u1", "hello")
			require.Equal(t, StateError, r.State)
			require.Equal(t, "banana", r.Status)
			require.Equal(t, h.m.Replies().Failure, r.Text)

			_, ok := h.sessions.Get("u1")
			require.False(t, ok)
		})
	}
}

func TestEmptyTurnRejected(t *testing.T) {
	h := newHarness(t, replies(needMore))

	_, err := h.m.HandleTurn(context.Background(), "u1", "   \n\t")
	require.ErrorIs(t, err, ErrEmptyTurn)
	require.Equal(t, 0, h.sessions.Len())
	require.Equal(t, 0, h.oracle.callCount())
}

func TestStartResetsDialogue(t *testing.T) {
	h := newHarness(t, replies(readyChat))
	h.turn(t, "u1", "x")

	r := h.m.Start(context.Background(), "u1")
	require.Equal(t, StateChat, r.State)
	require.Equal(t, h.m.Replies().Greeting, r.Text)

	sess, ok := h.sessions.Get("u1")
	require.True(t, ok)
	require.Equal(t, session.ModeChat, sess.Mode)
	require.Empty(t, sess.History)
}

func TestConcurrentConfirmationAdvancesOnce(t *testing.T) {
	o := replies(readyChat, needMore)
	h := newHarness(t, o)
	h.turn(t, "u1", "x")

	const n = 8
	var wg sync.WaitGroup
	results := make(chan *Reply, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := h.m.HandleTurn(context.Background(), "u1", "go")
			if err == nil {
				results <- r
			}
		}()
	}
	wg.Wait()
	close(results)

	advanced := 0
	for r := range results {
		if r.Text == h.m.Replies().CodePhase {
			advanced++
		}
	}
	require.Equal(t, 1, advanced)
	// Every later "go" was treated as a code-phase turn.
	require.Equal(t, n, o.callCount())
}

func TestTurnsForDifferentUsersRunConcurrently(t *testing.T) {
	o := replies(needMore)
	o.gate = make(chan struct{})
	h := newHarness(t, o)

	var wg sync.WaitGroup
	for _, u := range []string{"a", "b"} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_, _ = h.m.HandleTurn(context.Background(), u, "hi")
		}(u)
	}

	// Both turns must be waiting on the oracle at the same time.
	require.Eventually(t, func() bool { return h.sessions.Len() == 2 }, time.Second, time.Millisecond)
	close(o.gate)
	wg.Wait()
	require.Equal(t, 2, o.callCount())
}

func TestProduceStoresWithoutTouchingSession(t *testing.T) {
	h := newHarness(t, replies(needMore))
	h.turn(t, "u1", "hello")

	art, err := h.m.Produce(context.Background(), "u1", "csv converter", map[string]any{"language": "go"})
	require.NoError(t, err)
	require.Equal(t, "csv_converter.go", art.EntryName)

	_, ok := h.sessions.Get("u1")
	require.True(t, ok)
	got, err := h.m.Artifact("u1")
	require.NoError(t, err)
	require.Equal(t, art.ID, got.ID)
}

func TestNormalizeToken(t *testing.T) {
	require.Equal(t, "готов", normalizeToken("  Готов!! "))
	require.Equal(t, "go", normalizeToken("GO."))
	require.Equal(t, "", normalizeToken("?!"))
}
