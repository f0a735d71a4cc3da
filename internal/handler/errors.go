package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/chatauth/internal/middleware"
	"github.com/hitoshi/chatauth/internal/model"
)

// handleServiceError はサービス層のエラーを統一フォーマットのレスポンスに変換する。
// 外部依存の失敗と想定外のエラーは詳細をログにのみ記録する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	var depErr *model.DependencyError
	if errors.As(err, &depErr) {
		slog.Error("dependency failure",
			slog.String("op", depErr.Op),
			slog.String("error", depErr.Err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewDependencyError())
		return
	}

	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidExternalID,
		model.ErrCodeInvalidEmail, model.ErrCodeWeakPassword:
		return http.StatusBadRequest
	case model.ErrCodeDuplicateExternalID, model.ErrCodeDuplicateEmail:
		return http.StatusConflict
	case model.ErrCodeAuthFailed, model.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidResetToken, model.ErrCodeWrongPassword:
		return http.StatusBadRequest
	case model.ErrCodeAccountNotFound:
		return http.StatusNotFound
	case model.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeAPIErrorResponse はAPIErrorを統一フォーマットのJSONで書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// writeJSON はvをJSONで書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	middleware.WriteJSON(w, statusCode, v)
}
