package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jordan-wright/email"
)

// DefaultSendTimeout はSMTP送信1回あたりのタイムアウト。
const DefaultSendTimeout = 10 * time.Second

// mailer はemail.Poolのうち送信で使用するメソッド。
type mailer interface {
	Send(e *email.Email, timeout time.Duration) error
	Close()
}

type smtpServer struct {
	addr   string
	mailer mailer
}

// SMTPConfig はSMTPSenderの設定。
type SMTPConfig struct {
	Servers     []ServerConfig
	From        string
	SendTimeout time.Duration
}

// SMTPSender はSTARTTLS対応のSMTPサーバー群へリセット通知を送信する。
// サーバーごとにコネクションプールを持ち、ラウンドロビンで選択する。
// 送信に失敗した場合は次のサーバーで再試行する。
type SMTPSender struct {
	servers  []smtpServer
	next     atomic.Uint64
	composer *MessageComposer
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSMTPSender はサーバー一覧からSMTPSenderを生成する。
// 接続は初回送信時に確立される。
func NewSMTPSender(cfg SMTPConfig, composer *MessageComposer, logger *slog.Logger) (*SMTPSender, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("at least one smtp server is required")
	}

	servers := make([]smtpServer, 0, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		port := sc.Port
		if port == 0 {
			port = DefaultSMTPPort
		}
		size := sc.PoolSize
		if size <= 0 {
			size = DefaultPoolSize
		}
		addr := net.JoinHostPort(sc.Host, strconv.Itoa(port))

		var auth smtp.Auth
		if sc.Username != "" {
			auth = smtp.PlainAuth("", sc.Username, sc.Password, sc.Host)
		}
		pool, err := email.NewPool(addr, size, auth)
		if err != nil {
			closeServers(servers)
			return nil, fmt.Errorf("failed to create smtp pool for %s: %w", addr, err)
		}
		servers = append(servers, smtpServer{addr: addr, mailer: pool})
	}

	return newSMTPSender(servers, composer, cfg.SendTimeout, logger), nil
}

func newSMTPSender(servers []smtpServer, composer *MessageComposer, timeout time.Duration, logger *slog.Logger) *SMTPSender {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPSender{
		servers:  servers,
		composer: composer,
		timeout:  timeout,
		logger:   logger,
	}
}

// SendResetNotification はリセットリンクを含むメールを送信する。
// ctxの期限がSendTimeoutより短い場合はctxの期限を優先する。
func (s *SMTPSender) SendResetNotification(ctx context.Context, to, token string) error {
	msg, err := s.composer.Compose(to, token)
	if err != nil {
		return err
	}

	start := int(s.next.Add(1) - 1)
	var lastErr error
	for i := range s.servers {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("reset notification canceled: %w", err)
		}

		server := s.servers[(start+i)%len(s.servers)]
		err := server.mailer.Send(msg, s.sendTimeout(ctx))
		if err == nil {
			s.logger.Debug("reset notification sent",
				slog.String("smtp_server", server.addr),
				slog.String("recipient_domain", recipientDomain(to)),
			)
			return nil
		}
		lastErr = err
		s.logger.Warn("smtp send failed",
			slog.String("smtp_server", server.addr),
			slog.String("error", err.Error()),
		)
	}
	return fmt.Errorf("failed to send reset notification: %w", lastErr)
}

func (s *SMTPSender) sendTimeout(ctx context.Context) time.Duration {
	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = max(remaining, time.Millisecond)
		}
	}
	return timeout
}

// Close はすべてのコネクションプールを閉じる。
func (s *SMTPSender) Close() {
	closeServers(s.servers)
}

func closeServers(servers []smtpServer) {
	for _, server := range servers {
		server.mailer.Close()
	}
}
