package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	xerrors "gravity-claw/internal/errors"
	"gravity-claw/pkg/logger"
)

const maxBodyBytes = 25 << 20

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.L().Warn("写入响应失败", slog.Any("error", err))
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeError 根据统一错误码映射 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatus(err)
	body := errorBody{Error: err.Error(), Code: string(xerrors.CodeOf(err))}
	if coded, ok := xerrors.From(err); ok && coded.Message() != "" {
		body.Error = coded.Message()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err))
	}
	writeJSON(w, status, body)
}

// decodeBody 解析 JSON 请求体，空请求体视为 {}。
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func unavailable(w http.ResponseWriter, component string) {
	writeMessage(w, http.StatusServiceUnavailable, component+" 未配置")
}
