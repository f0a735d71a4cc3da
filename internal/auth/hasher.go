package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// saltBytes はソルトのバイト長。hexエンコード後は32文字になる。
const saltBytes = 16

// digestSeparator はソルトとハッシュの区切り文字。
const digestSeparator = ":"

// PasswordHasher はパスワードのハッシュ化と検証のインターフェース。
type PasswordHasher interface {
	// Hash は平文パスワードから "salt:hash" 形式のダイジェストを生成する。
	Hash(password string) (string, error)
	// Verify は平文パスワードが保存済みダイジェストと一致するかを返す。
	// ダイジェストの形式が不正な場合はfalseを返す。
	Verify(password, digest string) bool
}

// SaltedSHA256Hasher はランダムソルト付きSHA-256でダイジェストを生成する。
// ダイジェストは hex(salt) + ":" + hex(sha256(password + hex(salt))) の形式。
type SaltedSHA256Hasher struct{}

// NewPasswordHasher はSaltedSHA256Hasherを生成する。
func NewPasswordHasher() *SaltedSHA256Hasher {
	return &SaltedSHA256Hasher{}
}

// Hash は毎回新しいソルトを生成してダイジェストを返す。
func (h *SaltedSHA256Hasher) Hash(password string) (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	salt := hex.EncodeToString(buf)
	return salt + digestSeparator + computeDigest(password, salt), nil
}

// Verify は保存済みダイジェストからソルトを取り出して再計算し、定数時間で比較する。
func (h *SaltedSHA256Hasher) Verify(password, digest string) bool {
	salt, want, ok := strings.Cut(digest, digestSeparator)
	if !ok || salt == "" || want == "" {
		return false
	}
	if _, err := hex.DecodeString(want); err != nil {
		return false
	}
	got := computeDigest(password, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func computeDigest(password, salt string) string {
	sum := sha256.Sum256([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

// compile-time interface check
var _ PasswordHasher = (*SaltedSHA256Hasher)(nil)
