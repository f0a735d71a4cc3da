package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// healthCheckTimeout はヘルスチェックでストアへの疎通を待つ上限時間。
const healthCheckTimeout = 3 * time.Second

// HealthChecker はストアへの疎通確認を行うインターフェース。
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// SystemHandler はサービス情報とヘルスチェックのHTTPハンドラー。
type SystemHandler struct {
	checker HealthChecker
	version string
}

// NewSystemHandler はSystemHandlerを生成する。
func NewSystemHandler(checker HealthChecker, version string) *SystemHandler {
	return &SystemHandler{checker: checker, version: version}
}

type serviceInfoResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// Root はサービス情報を返す。
// GET /
func (h *SystemHandler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, serviceInfoResponse{
		Message: "chatauth credential service",
		Version: h.version,
		Status:  "running",
	})
}

// Health はストアへの疎通を確認し、結果を返す。
// GET /health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.checker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.checker.Ping(ctx); err != nil {
			slog.Error("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
