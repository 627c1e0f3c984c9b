package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"gravity-claw/internal/auth"
	"gravity-claw/internal/pipeline"
)

// handleLeadWebhook 接收外部线索并投递到接入队列。
func (s *Server) handleLeadWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Intake == nil {
		unavailable(w, "线索接入队列")
		return
	}
	payload := map[string]any{}
	if err := decodeBody(r, &payload); err != nil {
		writeMessage(w, http.StatusBadRequest, "请求体格式错误")
		return
	}
	address := stringField(payload, "address")
	if address == "" {
		writeMessage(w, http.StatusBadRequest, "缺少 address 字段")
		return
	}
	leadID := stringField(payload, "lead_id", "leadId")
	if leadID == "" {
		leadID = "L-" + uuid.NewString()
	}
	event := pipeline.IntakeEvent{LeadID: leadID, Address: address, Payload: payload}
	if err := s.deps.Intake.Publish(r.Context(), event); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "leadId": leadID})
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		unavailable(w, "流水线")
		return
	}
	var filter []pipeline.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, ok := pipeline.ParseStatus(part)
			if !ok {
				writeMessage(w, http.StatusBadRequest, "未知的状态: "+part)
				return
			}
			filter = append(filter, status)
		}
	}
	writeJSON(w, http.StatusOK, s.deps.Pipeline.Table().List(filter...))
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		unavailable(w, "流水线")
		return
	}
	state, err := s.deps.Pipeline.Get(r.PathValue("leadId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type resumeRequest struct {
	TargetPrice json.RawMessage `json:"targetPrice"`
}

// handleResume 接收人工提供的目标价格，校验后异步进入计算阶段。
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		unavailable(w, "流水线")
		return
	}
	var req resumeRequest
	if err := decodeBody(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "请求体格式错误")
		return
	}
	price, ok := parsePrice(req.TargetPrice)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "targetPrice 必须是数字")
		return
	}
	state, err := s.deps.Pipeline.ResumeAsync(r.Context(), r.PathValue("leadId"), price)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		unavailable(w, "流水线")
		return
	}
	ctx := pipeline.WithOperator(r.Context(), auth.SubjectName(r.Context()))
	state, err := s.deps.Pipeline.Execute(ctx, r.PathValue("leadId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// parsePrice 接受 JSON 数字或数字字符串。
func parsePrice(raw json.RawMessage) (float64, bool) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0, false
	}
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = strings.TrimSpace(unquoted)
	}
	text = strings.ReplaceAll(strings.TrimPrefix(text, "$"), ",", "")
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func stringField(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := payload[key].(type) {
		case string:
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}
