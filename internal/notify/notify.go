// Package notify はパスワードリセット通知の送信を提供する。
package notify

import (
	"context"
	"log/slog"
	"strings"
)

// Sender はリセットトークンを含む通知をアカウント所有者に送信する。
type Sender interface {
	SendResetNotification(ctx context.Context, email, token string) error
}

// LogSender はSMTPが未設定の環境で使用するSender。
// 送信は行わず、送信をスキップしたことだけをログに残す。トークンは記録しない。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。loggerがnilの場合はslog.Default()を使用する。
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// SendResetNotification は宛先のドメインのみをログに記録する。
func (s *LogSender) SendResetNotification(_ context.Context, email, _ string) error {
	s.logger.Warn("reset notification skipped: smtp not configured",
		slog.String("recipient_domain", recipientDomain(email)),
	)
	return nil
}

// recipientDomain はメールアドレスのドメイン部分を返す。
func recipientDomain(email string) string {
	if at := strings.LastIndex(email, "@"); at >= 0 {
		return email[at+1:]
	}
	return ""
}

// compile-time interface check
var (
	_ Sender = (*LogSender)(nil)
	_ Sender = (*SMTPSender)(nil)
)
