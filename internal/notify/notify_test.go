package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockMailer struct {
	mu       sync.Mutex
	sent     []*email.Email
	timeouts []time.Duration
	err      error
	closed   bool
}

func (m *mockMailer) Send(e *email.Email, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts = append(m.timeouts, timeout)
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, e)
	return nil
}

func (m *mockMailer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func newTestComposer(t *testing.T) *MessageComposer {
	t.Helper()
	c, err := NewMessageComposer("Support <noreply@example.com>", "http://localhost:8000/auth/reset-password", time.Hour)
	require.NoError(t, err)
	return c
}

func newTestSender(t *testing.T, mailers ...*mockMailer) *SMTPSender {
	t.Helper()
	servers := make([]smtpServer, len(mailers))
	for i, m := range mailers {
		servers[i] = smtpServer{addr: "smtp" + string(rune('a'+i)) + ":587", mailer: m}
	}
	return newSMTPSender(servers, newTestComposer(t), time.Second, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

// --- MessageComposer ---

func TestNewMessageComposer_Validation(t *testing.T) {
	_, err := NewMessageComposer("", "http://localhost/reset", time.Hour)
	assert.Error(t, err)

	_, err = NewMessageComposer("noreply@example.com", "not a url", time.Hour)
	assert.Error(t, err)
}

func TestComposer_ResetLink_EscapesToken(t *testing.T) {
	c, err := NewMessageComposer("noreply@example.com", "https://chat.example.com/reset?lang=ja", time.Hour)
	require.NoError(t, err)

	link := c.ResetLink("a+b/c=")
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "a+b/c=", u.Query().Get("token"))
	assert.Equal(t, "ja", u.Query().Get("lang"))
}

func TestComposer_Compose(t *testing.T) {
	e, err := newTestComposer(t).Compose("cust@example.com", "tok123")
	require.NoError(t, err)

	assert.Equal(t, ResetSubject, e.Subject)
	assert.Equal(t, []string{"cust@example.com"}, e.To)
	assert.Contains(t, string(e.Text), "http://localhost:8000/auth/reset-password?token=tok123")
	assert.Contains(t, string(e.Text), "1 hour")
	assert.Contains(t, string(e.HTML), `href="http://localhost:8000/auth/reset-password?token=tok123"`)
}

func TestHumanDuration(t *testing.T) {
	assert.Equal(t, "1 hour", humanDuration(time.Hour))
	assert.Equal(t, "2 hours", humanDuration(2*time.Hour))
	assert.Equal(t, "30 minutes", humanDuration(30*time.Minute))
}

// --- SMTPSender ---

func TestSMTPSender_RoundRobin(t *testing.T) {
	a, b := &mockMailer{}, &mockMailer{}
	sender := newTestSender(t, a, b)

	for i := 0; i < 4; i++ {
		require.NoError(t, sender.SendResetNotification(context.Background(), "cust@example.com", "tok"))
	}

	assert.Len(t, a.sent, 2)
	assert.Len(t, b.sent, 2)
}

// 失敗したサーバーの次のサーバーで再試行する
func TestSMTPSender_FailsOverToNextServer(t *testing.T) {
	broken := &mockMailer{err: errors.New("connection refused")}
	healthy := &mockMailer{}
	sender := newTestSender(t, broken, healthy)

	require.NoError(t, sender.SendResetNotification(context.Background(), "cust@example.com", "tok"))
	assert.Len(t, healthy.sent, 1)
}

func TestSMTPSender_AllServersFail(t *testing.T) {
	sender := newTestSender(t,
		&mockMailer{err: errors.New("first down")},
		&mockMailer{err: errors.New("second down")},
	)

	err := sender.SendResetNotification(context.Background(), "cust@example.com", "tok")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "down"))
}

func TestSMTPSender_CanceledContext(t *testing.T) {
	m := &mockMailer{}
	sender := newTestSender(t, m)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sender.SendResetNotification(ctx, "cust@example.com", "tok")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.sent)
}

// ctxの期限がSendTimeoutより短い場合はctxの残り時間を使う
func TestSMTPSender_RespectsContextDeadline(t *testing.T) {
	m := &mockMailer{}
	sender := newTestSender(t, m)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, sender.SendResetNotification(ctx, "cust@example.com", "tok"))
	require.Len(t, m.timeouts, 1)
	assert.LessOrEqual(t, m.timeouts[0], 200*time.Millisecond)
	assert.Greater(t, m.timeouts[0], time.Duration(0))
}

func TestSMTPSender_Close(t *testing.T) {
	a, b := &mockMailer{}, &mockMailer{}
	newTestSender(t, a, b).Close()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestNewSMTPSender_RequiresServers(t *testing.T) {
	_, err := NewSMTPSender(SMTPConfig{}, newTestComposer(t), nil)
	assert.Error(t, err)
}

func TestNewSMTPSender_BuildsPools(t *testing.T) {
	sender, err := NewSMTPSender(SMTPConfig{
		Servers: []ServerConfig{{Host: "smtp.example.com", Username: "u", Password: "p"}},
	}, newTestComposer(t), nil)
	require.NoError(t, err)
	defer sender.Close()

	require.Len(t, sender.servers, 1)
	assert.Equal(t, "smtp.example.com:587", sender.servers[0].addr)
	assert.Equal(t, DefaultSendTimeout, sender.timeout)
}

// --- LogSender ---

func TestLogSender_DoesNotLogToken(t *testing.T) {
	var buf bytes.Buffer
	sender := NewLogSender(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, sender.SendResetNotification(context.Background(), "cust@example.com", "secret-token"))

	out := buf.String()
	assert.Contains(t, out, "reset notification skipped")
	assert.Contains(t, out, "example.com")
	assert.NotContains(t, out, "secret-token")
	assert.NotContains(t, out, "cust@")
}

// --- ServerList ---

func TestParseServerList(t *testing.T) {
	data := []byte(`
from: "Support <noreply@example.com>"
servers:
  - host: smtp1.example.com
    username: mailer
    password: secret
  - host: smtp2.example.com
    port: 2525
    pool_size: 4
`)
	list, err := ParseServerList(data)
	require.NoError(t, err)

	assert.Equal(t, "Support <noreply@example.com>", list.From)
	require.Len(t, list.Servers, 2)
	assert.Equal(t, DefaultSMTPPort, list.Servers[0].Port)
	assert.Equal(t, DefaultPoolSize, list.Servers[0].PoolSize)
	assert.Equal(t, 2525, list.Servers[1].Port)
	assert.Equal(t, 4, list.Servers[1].PoolSize)
}

func TestParseServerList_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":         "",
		"no servers":    "from: a@example.com\n",
		"missing host":  "servers:\n  - port: 25\n",
		"unknown field": "servers:\n  - host: smtp.example.com\n    tls: true\n",
		"malformed":     "servers: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseServerList([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadServerList_MissingFile(t *testing.T) {
	_, err := LoadServerList(t.TempDir() + "/missing.yaml")
	assert.Error(t, err)
}
