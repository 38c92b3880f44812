// Package telegram provides a Telegram bot front-end for ailex.
//
// Uses long polling -- no public URL or webhook needed.
// Every text message is a dialogue turn; the finished tool arrives as a
// zip document in the same chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/jxucoder/ailex/internal/config"
	"github.com/jxucoder/ailex/internal/dialogue"
)

// TurnHandler is the dialogue the bot forwards messages to.
type TurnHandler interface {
	HandleTurn(ctx context.Context, userID, text string) (*dialogue.Reply, error)
	Start(ctx context.Context, userID string) *dialogue.Reply
	Replies() config.Replies
}

// seenUpdates bounds the duplicate-delivery filter.
const seenUpdates = 4096

// maxMessageLen is Telegram's limit for one text message.
const maxMessageLen = 4096

// Bot is the Telegram bot for ailex.
type Bot struct {
	api    *tgbotapi.BotAPI
	turns  TurnHandler
	seen   *lru.Cache[int, struct{}]
	logger *zap.Logger
}

// NewBot creates a new Telegram bot.
func NewBot(token string, turns TurnHandler, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating Telegram bot: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	seen, err := lru.New[int, struct{}](seenUpdates)
	if err != nil {
		return nil, fmt.Errorf("creating update filter: %w", err)
	}

	logger.Info("telegram bot authorized", zap.String("username", api.Self.UserName))

	return &Bot{
		api:    api,
		turns:  turns,
		seen:   seen,
		logger: logger,
	}, nil
}

// Run starts the long-polling loop. Blocks until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("telegram bot listening for messages")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || b.duplicate(update.UpdateID) {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

// duplicate reports whether the update was already handled.
func (b *Bot) duplicate(updateID int) bool {
	found, _ := b.seen.ContainsOrAdd(updateID, struct{}{})
	return found
}

// handleMessage processes an incoming message.
func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	chatID := msg.Chat.ID
	replyTo := msg.MessageID

	if text != "" && command(text) == "" {
		typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
		if _, err := b.api.Request(typing); err != nil {
			b.logger.Debug("telegram: chat action failed", zap.Error(err))
		}
	}

	out, reply := b.respond(ctx, userKey(msg), text)
	b.sendReply(chatID, replyTo, out)
	if reply != nil && reply.Artifact != nil {
		b.sendArtifact(chatID, replyTo, reply)
	}
}

// respond runs one message through the dialogue and returns the MarkdownV2
// text to send. The reply is nil when the message did not produce a turn.
func (b *Bot) respond(ctx context.Context, userID, text string) (string, *dialogue.Reply) {
	replies := b.turns.Replies()

	switch command(text) {
	case "start":
		return escapeMarkdown(b.turns.Start(ctx, userID).Text), nil
	case "help":
		return escapeMarkdown(replies.Help), nil
	}

	reply, err := b.turns.HandleTurn(ctx, userID, text)
	if errors.Is(err, dialogue.ErrEmptyTurn) {
		return escapeMarkdown(replies.EmptyTurn), nil
	}
	if err != nil {
		b.logger.Error("telegram: turn failed", zap.String("user_id", userID), zap.Error(err))
		return escapeMarkdown(replies.Failure), nil
	}
	return formatReply(reply), reply
}

// sendArtifact uploads the zip archive as a document.
func (b *Bot) sendArtifact(chatID int64, replyTo int, reply *dialogue.Reply) {
	art := reply.Artifact
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{
		Name:  art.FileName,
		Bytes: art.Data,
	})
	doc.ReplyToMessageID = replyTo
	doc.Caption = truncate(art.Task, 1024)

	if _, err := b.api.Send(doc); err != nil {
		b.logger.Error("telegram: failed to upload artifact",
			zap.String("user_id", art.UserID), zap.Error(err))
		b.sendReply(chatID, replyTo, escapeMarkdown(b.turns.Replies().Failure))
	}
}

// sendReply sends a MarkdownV2 message as a reply.
func (b *Bot) sendReply(chatID int64, replyTo int, text string) {
	msg := tgbotapi.NewMessage(chatID, truncate(text, maxMessageLen))
	msg.ReplyToMessageID = replyTo
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	if _, err := b.api.Send(msg); err != nil {
		b.logger.Warn("telegram: failed to send message", zap.Error(err))
		// Retry without markdown in case of parse errors.
		msg.ParseMode = ""
		msg.Text = truncate(stripMarkdown(text), maxMessageLen)
		if _, err := b.api.Send(msg); err != nil {
			b.logger.Error("telegram: failed to send plain message", zap.Error(err))
		}
	}
}

// userKey namespaces Telegram users so they never collide with other
// front-ends.
func userKey(msg *tgbotapi.Message) string {
	if msg.From != nil {
		return fmt.Sprintf("tg:%d", msg.From.ID)
	}
	return fmt.Sprintf("tg:%d", msg.Chat.ID)
}

// command returns the bot command in text without the leading slash or the
// @botname suffix, or "" when text is not a command.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := strings.Fields(text)[0][1:]
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

// formatReply renders a dialogue reply as MarkdownV2.
func formatReply(r *dialogue.Reply) string {
	text := escapeMarkdown(r.Text)
	if r.State == dialogue.StateHandedOff {
		text = "✅ " + text
	}
	if r.GistURL != "" {
		text += fmt.Sprintf("\n\n[View as gist](%s)", escapeLinkURL(r.GistURL))
	}
	return text
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"\\", "\\\\",
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"(", "\\(",
		")", "\\)",
		"~", "\\~",
		"`", "\\`",
		">", "\\>",
		"#", "\\#",
		"+", "\\+",
		"-", "\\-",
		"=", "\\=",
		"|", "\\|",
		"{", "\\{",
		"}", "\\}",
		".", "\\.",
		"!", "\\!",
	)
	return replacer.Replace(s)
}

// escapeLinkURL escapes the characters MarkdownV2 reserves inside (...).
func escapeLinkURL(s string) string {
	return strings.NewReplacer("\\", "\\\\", ")", "\\)").Replace(s)
}

// stripMarkdown removes MarkdownV2 escape sequences for plain text fallback.
func stripMarkdown(s string) string {
	r := strings.NewReplacer(
		"\\\\", "\\",
		"\\*", "*",
		"\\_", "_",
		"\\[", "[",
		"\\]", "]",
		"\\(", "(",
		"\\)", ")",
		"\\~", "~",
		"\\`", "`",
		"\\>", ">",
		"\\#", "#",
		"\\+", "+",
		"\\-", "-",
		"\\=", "=",
		"\\|", "|",
		"\\{", "{",
		"\\}", "}",
		"\\.", ".",
		"\\!", "!",
	)
	return r.Replace(s)
}

// truncate shortens s to at most maxLen runes.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
