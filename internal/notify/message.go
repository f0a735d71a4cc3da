package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"net/url"
	texttemplate "text/template"
	"time"

	"github.com/jordan-wright/email"
)

// ResetSubject はリセット通知メールの件名。
const ResetSubject = "Password Reset Request"

const resetTextTemplate = `Hello,

We received a request to reset the password for your account.
Open the link below to choose a new password:

{{.Link}}

This link is valid for {{.ValidFor}} and can be used only once.
If you did not request a password reset, you can ignore this email.
`

const resetHTMLTemplate = `<!DOCTYPE html>
<html>
<body>
<p>Hello,</p>
<p>We received a request to reset the password for your account.</p>
<p><a href="{{.Link}}">Reset your password</a></p>
<p>This link is valid for {{.ValidFor}} and can be used only once.</p>
<p>If you did not request a password reset, you can ignore this email.</p>
</body>
</html>
`

type resetMessageData struct {
	Link     string
	ValidFor string
}

// MessageComposer はリセット通知メールの本文を組み立てる。
type MessageComposer struct {
	from     string
	baseURL  *url.URL
	validFor time.Duration
	text     *texttemplate.Template
	html     *htmltemplate.Template
}

// NewMessageComposer はMessageComposerを生成する。
// baseURLはリセット画面のURLで、トークンはクエリパラメータtokenとして付与する。
func NewMessageComposer(from, baseURL string, validFor time.Duration) (*MessageComposer, error) {
	if from == "" {
		return nil, fmt.Errorf("sender address is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid reset link base URL: %q", baseURL)
	}
	return &MessageComposer{
		from:     from,
		baseURL:  u,
		validFor: validFor,
		text:     texttemplate.Must(texttemplate.New("reset_text").Parse(resetTextTemplate)),
		html:     htmltemplate.Must(htmltemplate.New("reset_html").Parse(resetHTMLTemplate)),
	}, nil
}

// ResetLink はトークンを付与したリセット画面のURLを返す。
func (c *MessageComposer) ResetLink(token string) string {
	u := *c.baseURL
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// Compose は宛先とトークンからテキスト・HTML両形式のメールを生成する。
func (c *MessageComposer) Compose(to, token string) (*email.Email, error) {
	data := resetMessageData{
		Link:     c.ResetLink(token),
		ValidFor: humanDuration(c.validFor),
	}

	var text, html bytes.Buffer
	if err := c.text.Execute(&text, data); err != nil {
		return nil, fmt.Errorf("failed to render text body: %w", err)
	}
	if err := c.html.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("failed to render html body: %w", err)
	}

	e := email.NewEmail()
	e.From = c.from
	e.To = []string{to}
	e.Subject = ResetSubject
	e.Text = text.Bytes()
	e.HTML = html.Bytes()
	return e, nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d == time.Hour:
		return "1 hour"
	case d%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	case d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}
