package dialogue

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/jxucoder/ailex/internal/artifact"
	"github.com/jxucoder/ailex/internal/catalog"
	"github.com/jxucoder/ailex/internal/verdict"
)

// handoff produces the artifact for a ready verdict and clears the session.
// The caller holds the user's lock.
func (m *Machine) handoff(ctx context.Context, userID string, v verdict.Verdict) *Reply {
	art, err := m.produce(ctx, userID, v.Ready.Task, v.Ready.Params)
	if err != nil {
		m.logger.Error("artifact handoff failed", zap.String("user_id", userID), zap.Error(err))
		m.sessions.Reset(userID)
		return &Reply{Text: m.dialogue.Replies.Failure, State: StateError, Status: v.Status}
	}

	gistURL := m.publish(ctx, art)
	m.sessions.Reset(userID)
	m.metrics.handoff()

	m.logger.Info("artifact handed off",
		zap.String("user_id", userID),
		zap.String("task", art.Task),
		zap.String("file", art.FileName),
		zap.Int("bytes", art.Size()))

	return &Reply{
		Text:     m.handedOffText(art.Task),
		State:    StateHandedOff,
		Status:   v.Status,
		Artifact: art,
		GistURL:  gistURL,
	}
}

// Produce generates and stores an artifact for userID outside of a
// dialogue. Any dialogue in progress is left alone.
func (m *Machine) Produce(ctx context.Context, userID, task string, params map[string]any) (*artifact.Artifact, error) {
	unlock := m.sessions.Lock(userID)
	defer unlock()

	art, err := m.produce(ctx, userID, task, params)
	if err != nil {
		return nil, err
	}
	m.metrics.handoff()
	return art, nil
}

// Artifact returns the last artifact produced for userID.
func (m *Machine) Artifact(userID string) (*artifact.Artifact, error) {
	return m.artifacts.Get(userID)
}

func (m *Machine) produce(ctx context.Context, userID, task string, params map[string]any) (*artifact.Artifact, error) {
	content, err := m.generator.Generate(ctx, task, params)
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}
	art, err := artifact.Package(userID, content)
	if err != nil {
		return nil, fmt.Errorf("packaging artifact: %w", err)
	}
	m.artifacts.Put(userID, art)

	if m.catalog != nil {
		tool := &catalog.Tool{
			Name:        strings.TrimSuffix(art.FileName, ".zip"),
			Description: describeParams(params),
			Code:        art.Code,
			Task:        art.Task,
			Language:    art.Language,
			Platform:    art.Platform,
			UserID:      userID,
			CreatedAt:   art.CreatedAt,
		}
		if err := m.catalog.Save(ctx, tool); err != nil {
			m.logger.Warn("recording tool in catalog", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return art, nil
}

func (m *Machine) publish(ctx context.Context, art *artifact.Artifact) string {
	if m.gists == nil {
		return ""
	}
	url, err := m.gists.PublishGist(ctx, art)
	if err != nil {
		m.logger.Warn("publishing gist", zap.String("user_id", art.UserID), zap.Error(err))
		return ""
	}
	return url
}

// handedOffText fills the first %q or %s in the template with the task.
// Any other percent sign is literal text.
func (m *Machine) handedOffText(task string) string {
	tmpl := m.dialogue.Replies.HandedOff
	i := strings.Index(tmpl, "%q")
	if j := strings.Index(tmpl, "%s"); j >= 0 && (i < 0 || j < i) {
		i = j
	}
	if i < 0 {
		return tmpl
	}
	return tmpl[:i] + fmt.Sprintf(tmpl[i:i+2], task) + tmpl[i+2:]
}

// describeParams renders params as "k: v" pairs in key order.
func describeParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %v", k, params[k])
	}
	return strings.Join(parts, ", ")
}
