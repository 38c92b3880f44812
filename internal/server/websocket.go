package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/jxucoder/ailex/internal/dialogue"
)

// chatFrame is an inbound websocket message.
type chatFrame struct {
	Message string `json:"message"`
}

// handleChatSocket runs a dialogue over a websocket. Every text frame is a
// turn and every turn is answered with one JSON frame.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("failed to accept websocket", zap.String("user_id", userID), zap.Error(err))
		return
	}
	defer func() {
		if err := ws.Close(websocket.StatusNormalClosure, "bye"); err != nil {
			s.logger.Debug("failed to close websocket", zap.String("user_id", userID), zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.sockets, cancel)
	defer stop()

	s.logger.Info("chat socket opened", zap.String("user_id", userID))
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				s.logger.Debug("chat socket closed", zap.String("user_id", userID))
			} else {
				s.logger.Warn("websocket read error", zap.String("user_id", userID), zap.Error(err))
			}
			return
		}

		var out any
		reply, err := s.machine.HandleTurn(ctx, userID, frameText(data))
		switch {
		case errors.Is(err, dialogue.ErrEmptyTurn):
			out = errorResponse{Error: err.Error()}
		case err != nil:
			s.logger.Error("turn failed", zap.String("user_id", userID), zap.Error(err))
			out = errorResponse{Error: "failed to handle turn"}
		default:
			out = s.turnResponse(userID, reply)
		}

		if err := writeFrame(ctx, ws, out); err != nil {
			s.logger.Debug("websocket write error", zap.String("user_id", userID), zap.Error(err))
			return
		}
	}
}

// frameText extracts the message from a frame. Frames that are not a JSON
// object are taken as raw text.
func frameText(data []byte) string {
	var f chatFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return string(data)
	}
	return f.Message
}

func writeFrame(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
