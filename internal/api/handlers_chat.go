package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"gravity-claw/internal/agent"
	xerrors "gravity-claw/internal/errors"
	"gravity-claw/internal/push"
)

const (
	webhookSession = "webhook"
	thinkingNotice = "*Thinking...*"
)

type mediaPayload struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type chatRequest struct {
	SessionID string         `json:"sessionId"`
	Message   string         `json:"message"`
	Media     []mediaPayload `json:"media"`
}

type chatResponse struct {
	Reply     string `json:"reply"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		unavailable(w, "对话服务")
		return
	}
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "请求体格式错误")
		return
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Media) == 0 {
		writeMessage(w, http.StatusBadRequest, "message 不能为空")
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = s.deps.DefaultSession
	}
	media := make([]agent.Media, 0, len(req.Media))
	for _, m := range req.Media {
		if m.MimeType == "" || len(m.Data) == 0 {
			continue
		}
		media = append(media, agent.Media{MimeType: m.MimeType, Data: m.Data})
	}

	s.publish(push.Payload{Type: push.TypeMarkdown, Content: thinkingNotice}, sessionID)
	reply, err := s.deps.Chat.Run(r.Context(), sessionID, req.Message, media)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(push.Payload{Type: push.TypeMarkdown, Content: reply}, sessionID)
	writeJSON(w, http.StatusOK, chatResponse{Reply: reply, SessionID: sessionID})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		unavailable(w, "对话服务")
		return
	}
	sessionID := r.PathValue("sessionId")
	reply, err := s.deps.Chat.Compact(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: reply, SessionID: sessionID})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		unavailable(w, "对话服务")
		return
	}
	sessionID := r.PathValue("sessionId")
	cleared, err := s.deps.Chat.Reset(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "cleared": cleared})
}

func (s *Server) handleGetRuntime(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Chat == nil {
		unavailable(w, "对话服务")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Chat.Runtime().Snapshot())
}

type runtimeRequest struct {
	Model      *string `json:"model"`
	ThinkLevel *string `json:"thinkLevel"`
}

func (s *Server) handlePutRuntime(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		unavailable(w, "对话服务")
		return
	}
	var req runtimeRequest
	if err := decodeBody(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "请求体格式错误")
		return
	}
	rt := s.deps.Chat.Runtime()
	if req.Model != nil {
		if err := rt.SetModel(*req.Model); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.ThinkLevel != nil {
		if err := rt.SetThinkLevel(*req.ThinkLevel); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, rt.Snapshot())
}

// handleWebhook 立即确认外部事件，随后在后台交给代理分析并广播告警。
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		unavailable(w, "对话服务")
		return
	}
	var payload any
	if err := decodeBody(r, &payload); err != nil {
		writeMessage(w, http.StatusBadRequest, "请求体格式错误")
		return
	}
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法序列化 webhook 负载"))
		return
	}

	ctx := context.WithoutCancel(r.Context())
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		prompt := fmt.Sprintf("SYSTEM WEBHOOK ALERT:\nYou have received a new autonomous event from an external server. Analyze the following payload, extract the most critical actionable information, and draft an urgent alert for the user.\n\nPAYLOAD:\n%s", body)
		reply, err := s.deps.Chat.Run(ctx, webhookSession, prompt, nil)
		if err != nil {
			s.log.Error("处理 webhook 失败", slog.Any("error", err))
			return
		}
		s.publish(push.Payload{Type: push.TypeAlert, Content: "🔔 *Autonomous Integration Alert*\n\n" + reply}, "")
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) publish(payload push.Payload, scope string) {
	if s.deps.Hub == nil {
		return
	}
	s.deps.Hub.Publish(payload, scope)
}
