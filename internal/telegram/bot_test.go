package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jxucoder/ailex/internal/config"
	"github.com/jxucoder/ailex/internal/dialogue"
)

// fakeTurns records turns and answers with a fixed reply.
type fakeTurns struct {
	reply  *dialogue.Reply
	err    error
	turns  []string
	starts int
}

func (f *fakeTurns) HandleTurn(_ context.Context, _ string, text string) (*dialogue.Reply, error) {
	f.turns = append(f.turns, text)
	if strings.TrimSpace(text) == "" {
		return nil, dialogue.ErrEmptyTurn
	}
	return f.reply, f.err
}

func (f *fakeTurns) Start(context.Context, string) *dialogue.Reply {
	f.starts++
	return &dialogue.Reply{Text: "Hi!", State: dialogue.StateChat}
}

func (f *fakeTurns) Replies() config.Replies {
	return config.DefaultDialogue().Replies
}

func TestUserKey(t *testing.T) {
	msg := &tgbotapi.Message{From: &tgbotapi.User{ID: 42}, Chat: &tgbotapi.Chat{ID: 7}}
	require.Equal(t, "tg:42", userKey(msg))

	msg.From = nil
	require.Equal(t, "tg:7", userKey(msg))
}

func TestCommand(t *testing.T) {
	tests := map[string]string{
		"/start":             "start",
		"/HELP":              "help",
		"/start@ailex_bot":   "start",
		"/start extra words": "start",
		"start":              "",
		"":                   "",
	}
	for in, want := range tests {
		require.Equal(t, want, command(in), "input %q", in)
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	s := `Reply "go" (or "готов")! 1+1=2 a_b [x] \ done.`
	require.Equal(t, s, stripMarkdown(escapeMarkdown(s)))
	require.Contains(t, escapeMarkdown("a.b"), `a\.b`)
}

func TestFormatReply(t *testing.T) {
	r := &dialogue.Reply{Text: "Your tool is ready.", State: dialogue.StateHandedOff, GistURL: "https://gist.github.com/x"}
	got := formatReply(r)
	require.True(t, strings.HasPrefix(got, "✅ Your tool is ready\\."))
	require.Contains(t, got, "(https://gist.github.com/x)")

	r = &dialogue.Reply{Text: "Which language?", State: dialogue.StateChat}
	require.Equal(t, "Which language?", formatReply(r))
}

func TestDuplicateUpdatesDropped(t *testing.T) {
	seen, err := lru.New[int, struct{}](2)
	require.NoError(t, err)
	b := &Bot{seen: seen}

	require.False(t, b.duplicate(1))
	require.True(t, b.duplicate(1))
	require.False(t, b.duplicate(2))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "гене...", truncate("генератор паролей", 7))
}

func TestRespondEmptyMessage(t *testing.T) {
	turns := &fakeTurns{}
	b := &Bot{turns: turns, logger: zap.NewNop()}

	out, reply := b.respond(context.Background(), "tg:1", "")
	require.Nil(t, reply)
	require.Equal(t, escapeMarkdown(turns.Replies().EmptyTurn), out)
	require.Equal(t, []string{""}, turns.turns)
}

func TestRespondCommandsAndTurns(t *testing.T) {
	turns := &fakeTurns{reply: &dialogue.Reply{Text: "Which language?", State: dialogue.StateChat}}
	b := &Bot{turns: turns, logger: zap.NewNop()}
	ctx := context.Background()

	out, _ := b.respond(ctx, "tg:1", "/start")
	require.Equal(t, "Hi\\!", out)
	require.Equal(t, 1, turns.starts)

	out, _ = b.respond(ctx, "tg:1", "/help")
	require.Equal(t, escapeMarkdown(turns.Replies().Help), out)
	require.Empty(t, turns.turns)

	out, reply := b.respond(ctx, "tg:1", "a timer")
	require.Equal(t, "Which language?", out)
	require.Same(t, turns.reply, reply)

	turns.err = errors.New("boom")
	out, reply = b.respond(ctx, "tg:1", "again")
	require.Nil(t, reply)
	require.Equal(t, escapeMarkdown(turns.Replies().Failure), out)
}
