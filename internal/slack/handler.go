// Package slack provides a Slack bot front-end for ailex using Socket Mode.
//
// Socket Mode connects to Slack via WebSocket -- no public URL needed.
// The bot treats @mentions and direct messages as dialogue turns, answers
// in a thread and uploads the finished tool as a zip file.
package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"

	"github.com/jxucoder/ailex/internal/config"
	"github.com/jxucoder/ailex/internal/dialogue"
)

// TurnHandler is the dialogue the bot forwards messages to.
// The machine implements this so the bot doesn't depend on the server.
type TurnHandler interface {
	HandleTurn(ctx context.Context, userID, text string) (*dialogue.Reply, error)
	Start(ctx context.Context, userID string) *dialogue.Reply
	Replies() config.Replies
}

// Bot is the Slack Socket Mode bot for ailex.
type Bot struct {
	api          *slack.Client
	socketClient *socketmode.Client
	turns        TurnHandler
	logger       *zap.Logger
}

// NewBot creates a new Slack Socket Mode bot.
func NewBot(botToken, appToken string, turns TurnHandler, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	api := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
	)

	socketClient := socketmode.New(
		api,
		socketmode.OptionLog(zap.NewStdLog(logger.Named("slack-socketmode"))),
	)

	return &Bot{
		api:          api,
		socketClient: socketClient,
		turns:        turns,
		logger:       logger,
	}
}

// Run connects to Slack via Socket Mode and processes events.
// It blocks until the context is canceled or a fatal error occurs.
func (b *Bot) Run(ctx context.Context) error {
	go b.eventLoop(ctx)
	b.logger.Info("slack bot connecting via Socket Mode")
	err := b.socketClient.RunContext(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// eventLoop reads events from the Socket Mode client and dispatches them.
func (b *Bot) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.socketClient.Events:
			if !ok {
				return
			}
			b.handleEvent(ctx, evt)
		}
	}
}

// handleEvent dispatches a single Socket Mode event.
func (b *Bot) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.logger.Info("slack: connecting")
	case socketmode.EventTypeConnected:
		b.logger.Info("slack: connected")
	case socketmode.EventTypeConnectionError:
		b.logger.Warn("slack: connection error, will retry")
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		// Acknowledge immediately (Slack requires ack within 3 seconds).
		b.socketClient.Ack(*evt.Request)

		if eventsAPIEvent.Type == slackevents.CallbackEvent {
			b.handleCallbackEvent(ctx, eventsAPIEvent.InnerEvent)
		}
	case socketmode.EventTypeInteractive:
		b.socketClient.Ack(*evt.Request)
	}
}

// handleCallbackEvent routes inner Events API events.
func (b *Bot) handleCallbackEvent(ctx context.Context, innerEvent slackevents.EventsAPIInnerEvent) {
	switch ev := innerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		threadTS := ev.TimeStamp
		if ev.ThreadTimeStamp != "" {
			threadTS = ev.ThreadTimeStamp
		}
		go b.handleTurn(ctx, ev.User, ev.Channel, threadTS, stripMention(ev.Text))
	case *slackevents.MessageEvent:
		if !isDirectMessage(ev) {
			return
		}
		go b.handleTurn(ctx, ev.User, ev.Channel, ev.ThreadTimeStamp, ev.Text)
	}
}

// handleTurn forwards one message to the dialogue and posts the reply.
func (b *Bot) handleTurn(ctx context.Context, slackUser, channel, threadTS, text string) {
	out, reply := b.respond(ctx, userKey(slackUser), text)
	b.postThread(channel, threadTS, out)
	if reply != nil && reply.Artifact != nil {
		b.uploadArtifact(channel, threadTS, reply)
	}
}

// respond runs one message through the dialogue and returns the text to
// post. The reply is nil when the message did not produce a turn.
func (b *Bot) respond(ctx context.Context, userID, text string) (string, *dialogue.Reply) {
	replies := b.turns.Replies()
	text = strings.TrimSpace(text)

	switch strings.ToLower(text) {
	case "start", "/start":
		return b.turns.Start(ctx, userID).Text, nil
	case "help":
		return replies.Help, nil
	}

	reply, err := b.turns.HandleTurn(ctx, userID, text)
	if errors.Is(err, dialogue.ErrEmptyTurn) {
		return replies.EmptyTurn, nil
	}
	if err != nil {
		b.logger.Error("slack: turn failed", zap.String("user_id", userID), zap.Error(err))
		return replies.Failure, nil
	}
	return formatReply(reply), reply
}

// uploadArtifact uploads the zip archive to the thread.
func (b *Bot) uploadArtifact(channel, threadTS string, reply *dialogue.Reply) {
	art := reply.Artifact
	_, err := b.api.UploadFileV2(slack.UploadFileV2Parameters{
		Reader:          bytes.NewReader(art.Data),
		Filename:        art.FileName,
		FileSize:        len(art.Data),
		Title:           art.Task,
		Channel:         channel,
		ThreadTimestamp: threadTS,
	})
	if err != nil {
		b.logger.Error("slack: failed to upload artifact",
			zap.String("user_id", art.UserID), zap.Error(err))
		// Fall back to posting the source in the thread.
		code := truncate(art.Code, maxInlineCode)
		b.postThread(channel, threadTS, fmt.Sprintf("*%s*\n```\n%s\n```", art.EntryName, code))
	}
}

// postThread sends a plain text message, in a thread when threadTS is set.
func (b *Bot) postThread(channel, threadTS, text string) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	if _, _, err := b.api.PostMessage(channel, opts...); err != nil {
		b.logger.Warn("slack: failed to post message", zap.String("channel", channel), zap.Error(err))
	}
}

// maxInlineCode bounds source posted in place of a failed upload, in runes.
const maxInlineCode = 3000

// truncate shortens s to at most maxLen runes.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "\n...(truncated)..."
}

var mentionRe = regexp.MustCompile(`<@[A-Z0-9]+>`)

// stripMention removes bot mentions (<@U12345>) from the text.
func stripMention(text string) string {
	return strings.TrimSpace(mentionRe.ReplaceAllString(text, ""))
}

// isDirectMessage reports whether ev is a plain user message in a DM.
func isDirectMessage(ev *slackevents.MessageEvent) bool {
	return ev.ChannelType == "im" && ev.BotID == "" && ev.SubType == "" && ev.User != ""
}

// userKey namespaces Slack users so they never collide with other
// front-ends.
func userKey(slackUser string) string {
	return "slack:" + slackUser
}

func formatReply(r *dialogue.Reply) string {
	text := r.Text
	if r.State == dialogue.StateHandedOff {
		text = ":white_check_mark: " + text
	}
	if r.GistURL != "" {
		text += fmt.Sprintf("\n<%s|View as gist>", r.GistURL)
	}
	return text
}
