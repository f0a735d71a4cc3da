package auth

import (
	"net/mail"
	"strings"
	"unicode"

	"github.com/hitoshi/chatauth/internal/model"
)

const (
	minPasswordLength   = 8
	minExternalIDLength = 6
	maxExternalIDLength = 20
)

// ValidatePassword はパスワード強度ポリシーを検証する。
// 8文字以上で、英大文字・英小文字・数字をそれぞれ1文字以上含む必要がある。
// サインアップ、リセット、パスワード変更のすべての経路でハッシュ化の前に呼び出す。
func ValidatePassword(password string) error {
	if len([]rune(password)) < minPasswordLength {
		return model.NewWeakPasswordError("8文字以上必要です")
	}

	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}

	switch {
	case !hasUpper:
		return model.NewWeakPasswordError("英大文字を含めてください")
	case !hasLower:
		return model.NewWeakPasswordError("英小文字を含めてください")
	case !hasDigit:
		return model.NewWeakPasswordError("数字を含めてください")
	}
	return nil
}

// ValidateExternalID は顧客IDが6〜20文字の半角英数字であることを検証する。
func ValidateExternalID(externalID string) error {
	if len(externalID) < minExternalIDLength || len(externalID) > maxExternalIDLength {
		return model.NewInvalidExternalIDError()
	}
	for i := 0; i < len(externalID); i++ {
		c := externalID[i]
		isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !isAlnum {
			return model.NewInvalidExternalIDError()
		}
	}
	return nil
}

// NormalizeEmail は前後の空白を除去し小文字化したメールアドレスを返す。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail はメールアドレスの構文を検証する。
// 表示名付きの形式（"Name <a@example.com>"）は受け付けない。
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return model.NewInvalidEmailError()
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || !strings.Contains(email[at+1:], ".") {
		return model.NewInvalidEmailError()
	}
	return nil
}
