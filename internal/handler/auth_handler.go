// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/chatauth/internal/auth"
	"github.com/hitoshi/chatauth/internal/middleware"
	"github.com/hitoshi/chatauth/internal/model"
)

// maxRequestBodyBytes はリクエストボディの上限サイズ。
const maxRequestBodyBytes = 1 << 20

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Signup(ctx context.Context, in auth.SignupInput) (*auth.AuthResult, error)
	Login(ctx context.Context, externalID, password string) (*auth.AuthResult, error)
	CurrentAccount(ctx context.Context, accountID string) (*model.Account, error)
	Logout(ctx context.Context, accountID string) error
}

// ResetServiceInterface はパスワードリセット・変更に必要なサービスインターフェース。
type ResetServiceInterface interface {
	RequestReset(ctx context.Context, externalID string) (string, error)
	ConsumeReset(ctx context.Context, token, newPassword string) error
	ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	TokenTTL time.Duration // expires_inに返すセッショントークンの有効期間
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	reset   ResetServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, reset ResetServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		reset:   reset,
		config:  config,
	}
}

type signupRequest struct {
	CustomerID string `json:"customer_id"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

type loginRequest struct {
	CustomerID string `json:"customer_id"`
	Password   string `json:"password"`
}

type forgotPasswordRequest struct {
	CustomerID string `json:"customer_id"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// tokenResponse はサインアップ・ログイン成功時のレスポンス。
type tokenResponse struct {
	AccessToken string               `json:"access_token"`
	TokenType   string               `json:"token_type"`
	ExpiresIn   int                  `json:"expires_in"`
	User        model.AccountSummary `json:"user"`
}

// messageResponse はメッセージのみのレスポンス。
type messageResponse struct {
	Message string `json:"message"`
}

// レスポンスメッセージ
const (
	msgPasswordReset   = "パスワードを再設定しました。"
	msgPasswordChanged = "パスワードを変更しました。"
	msgLoggedOut       = "ログアウトしました。"
)

// Signup はアカウントを作成し、セッショントークンを返す。
// POST /auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	result, err := h.service.Signup(r.Context(), auth.SignupInput{
		ExternalID: req.CustomerID,
		Email:      req.Email,
		Password:   req.Password,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.toTokenResponse(result))
}

// Login は顧客IDとパスワードでログインし、セッショントークンを返す。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	result, err := h.service.Login(r.Context(), req.CustomerID, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.toTokenResponse(result))
}

// ForgotPassword はパスワードリセットを要求する。
// 顧客IDの存在有無によらず同じレスポンスを返す。
// POST /auth/forgot-password
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	ack, err := h.reset.RequestReset(r.Context(), req.CustomerID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: ack})
}

// ResetPassword はリセットトークンを消費して新しいパスワードを設定する。
// POST /auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := h.reset.ConsumeReset(r.Context(), req.Token, req.NewPassword); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: msgPasswordReset})
}

// ChangePassword は認証済みアカウントのパスワードを変更する。
// POST /auth/change-password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccountID(w, r)
	if !ok {
		return
	}

	var req changePasswordRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := h.reset.ChangePassword(r.Context(), accountID, req.CurrentPassword, req.NewPassword); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: msgPasswordChanged})
}

// Me は認証済みアカウントの情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccountID(w, r)
	if !ok {
		return
	}

	account, err := h.service.CurrentAccount(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, account.Summary())
}

// Logout はログアウトを記録する。トークンの破棄はクライアントが行う。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccountID(w, r)
	if !ok {
		return
	}

	if err := h.service.Logout(r.Context(), accountID); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: msgLoggedOut})
}

func (h *AuthHandler) toTokenResponse(result *auth.AuthResult) tokenResponse {
	return tokenResponse{
		AccessToken: result.AccessToken,
		TokenType:   "bearer",
		ExpiresIn:   int(h.config.TokenTTL / time.Second),
		User:        result.Account.Summary(),
	}
}

// requireAccountID はコンテキストからアカウントIDを取り出す。
// 取得できない場合は401を書き込みfalseを返す。
func requireAccountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID, err := middleware.AccountIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return "", false
	}
	return accountID, true
}

// decodeJSONBody はリクエストボディをJSONとしてdstに読み込む。
// 失敗した場合は400 INVALID_REQUESTを書き込みfalseを返す。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		reason := "JSONの解析に失敗しました"
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			reason = "リクエストボディが空です"
		case errors.As(err, &maxErr):
			reason = "リクエストボディが大きすぎます"
		}
		slog.Debug("invalid request body", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(reason))
		return false
	}
	return true
}
