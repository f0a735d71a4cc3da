package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	corsAllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	// セッショントークンはAuthorizationヘッダーで送られる
	corsAllowedHeaders = []string{"Authorization", "Content-Type"}
	// 429応答の待機秒数をブラウザから参照できるようにする
	corsExposedHeaders = []string{"Retry-After"}
)

const corsMaxAge = 24 * time.Hour

// NewCORSMiddleware は単一の許可オリジンに対するCORSミドルウェアを返す。
// プリフライト（OPTIONS）には後続のハンドラーを呼ばずに204で応答する。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	methods := strings.Join(corsAllowedMethods, ", ")
	headers := strings.Join(corsAllowedHeaders, ", ")
	exposed := strings.Join(corsExposedHeaders, ", ")
	maxAge := strconv.Itoa(int(corsMaxAge.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowedOrigin)
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)
			h.Set("Access-Control-Expose-Headers", exposed)
			h.Set("Access-Control-Max-Age", maxAge)
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
