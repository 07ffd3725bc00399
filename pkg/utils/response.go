package utils

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
)

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUpstreamUnavailable, apperr.KindGatewayUnavailable, apperr.KindInference:
		return http.StatusBadGateway
	case apperr.KindDecode:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// RespondAppError 按错误类别返回状态码，body 附带 kind 便于客户端分支。
func RespondAppError(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := StatusFor(err)
	message := apperr.Message(err)
	if status == http.StatusInternalServerError && ae.Kind == apperr.KindPersistence {
		message = "storage unavailable"
	}
	RespondJSON(w, status, map[string]string{"error": message, "kind": string(ae.Kind)})
}
