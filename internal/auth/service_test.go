package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/chatauth/internal/metrics"
	"github.com/hitoshi/chatauth/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- モック定義 ---

type mockAccountRepo struct {
	createFn           func(ctx context.Context, account *model.Account) error
	findByIDFn         func(ctx context.Context, id string) (*model.Account, error)
	findByExternalIDFn func(ctx context.Context, externalID string) (*model.Account, error)
	findByEmailFn      func(ctx context.Context, email string) (*model.Account, error)
	touchLastLoginFn   func(ctx context.Context, accountID string) error
}

func (m *mockAccountRepo) Create(ctx context.Context, account *model.Account) error {
	if m.createFn != nil {
		return m.createFn(ctx, account)
	}
	account.ID = "acc-1"
	account.Active = true
	return nil
}

func (m *mockAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockAccountRepo) FindByExternalID(ctx context.Context, externalID string) (*model.Account, error) {
	if m.findByExternalIDFn != nil {
		return m.findByExternalIDFn(ctx, externalID)
	}
	return nil, nil
}

func (m *mockAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockAccountRepo) FindByResetToken(context.Context, string, time.Time) (*model.Account, error) {
	return nil, nil
}

func (m *mockAccountRepo) UpdatePassword(context.Context, string, string) error {
	return nil
}

func (m *mockAccountRepo) AppendResetToken(context.Context, string, model.ResetToken, int) error {
	return nil
}

func (m *mockAccountRepo) MarkResetTokenUsed(context.Context, string, string, string, time.Time) (bool, error) {
	return false, nil
}

func (m *mockAccountRepo) TouchLastLogin(ctx context.Context, accountID string) error {
	if m.touchLastLoginFn != nil {
		return m.touchLastLoginFn(ctx, accountID)
	}
	return nil
}

func (m *mockAccountRepo) PruneResetTokens(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *mockAccountRepo) Ping(context.Context) error {
	return nil
}

type mockMetrics struct {
	metrics.Nop
	signups []string
	logins  []string
}

func (m *mockMetrics) RecordSignup(result string) { m.signups = append(m.signups, result) }
func (m *mockMetrics) RecordLogin(result string)  { m.logins = append(m.logins, result) }

// --- ヘルパー ---

func newTestIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenConfig{Secret: []byte("test-secret-key"), TTL: 30 * time.Minute, Issuer: "chatauth"})
	require.NoError(t, err)
	return issuer
}

func newTestService(t *testing.T, repo *mockAccountRepo, m metrics.MetricsCollector) (*Service, *TokenIssuer) {
	t.Helper()
	issuer := newTestIssuer(t)
	return NewService(repo, NewPasswordHasher(), issuer, m), issuer
}

func activeAccount(t *testing.T, password string) *model.Account {
	t.Helper()
	digest, err := NewPasswordHasher().Hash(password)
	require.NoError(t, err)
	return &model.Account{
		ID:             "acc-1",
		ExternalID:     "CUST001",
		Email:          "cust@example.com",
		PasswordDigest: digest,
		Active:         true,
	}
}

// --- Signup ---

func TestSignup_ValidationCases(t *testing.T) {
	tests := []struct {
		name       string
		input      SignupInput
		wantCode   string
		wantCreate bool
	}{
		{
			name:     "顧客IDが3文字",
			input:    SignupInput{ExternalID: "ab1", Email: "cust@example.com", Password: "StrongPass1"},
			wantCode: model.ErrCodeInvalidExternalID,
		},
		{
			name:     "パスワードが弱い",
			input:    SignupInput{ExternalID: "CUST001", Email: "cust@example.com", Password: "Weak1"},
			wantCode: model.ErrCodeWeakPassword,
		},
		{
			name:     "メールアドレスが不正",
			input:    SignupInput{ExternalID: "CUST001", Email: "not-an-email", Password: "StrongPass1"},
			wantCode: model.ErrCodeInvalidEmail,
		},
		{
			name:       "強いパスワードで成功",
			input:      SignupInput{ExternalID: "CUST001", Email: "cust@example.com", Password: "StrongPass1"},
			wantCreate: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			created := false
			repo := &mockAccountRepo{
				createFn: func(_ context.Context, account *model.Account) error {
					created = true
					account.ID = "acc-1"
					account.Active = true
					return nil
				},
			}
			svc, _ := newTestService(t, repo, nil)

			result, err := svc.Signup(context.Background(), tt.input)

			assert.Equal(t, tt.wantCreate, created)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, model.ErrorCode(err))
				assert.Nil(t, result)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, result.AccessToken)
			assert.Equal(t, "acc-1", result.Account.ID)
		})
	}
}

// パスワードはダイジェストとして保存され、平文は保持しない
func TestSignup_StoresDigestAndNormalizedEmail(t *testing.T) {
	var stored *model.Account
	repo := &mockAccountRepo{
		createFn: func(_ context.Context, account *model.Account) error {
			stored = account
			account.ID = "acc-1"
			return nil
		},
	}
	svc, issuer := newTestService(t, repo, nil)

	result, err := svc.Signup(context.Background(), SignupInput{
		ExternalID: "CUST001",
		Email:      "  Cust@Example.COM ",
		Password:   "StrongPass1",
	})
	require.NoError(t, err)

	require.NotNil(t, stored)
	assert.Equal(t, "cust@example.com", stored.Email)
	assert.NotEqual(t, "StrongPass1", stored.PasswordDigest)
	assert.True(t, NewPasswordHasher().Verify("StrongPass1", stored.PasswordDigest))

	claims, err := issuer.Validate(result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", claims.AccountID())
}

func TestSignup_DuplicateExternalID_NoCreate(t *testing.T) {
	repo := &mockAccountRepo{
		findByExternalIDFn: func(context.Context, string) (*model.Account, error) {
			return &model.Account{ID: "existing"}, nil
		},
		createFn: func(context.Context, *model.Account) error {
			t.Fatal("Create should not be called")
			return nil
		},
	}
	svc, _ := newTestService(t, repo, nil)

	_, err := svc.Signup(context.Background(), SignupInput{ExternalID: "CUST001", Email: "cust@example.com", Password: "StrongPass1"})
	assert.Equal(t, model.ErrCodeDuplicateExternalID, model.ErrorCode(err))
}

func TestSignup_DuplicateEmail(t *testing.T) {
	repo := &mockAccountRepo{
		findByEmailFn: func(context.Context, string) (*model.Account, error) {
			return &model.Account{ID: "existing"}, nil
		},
	}
	svc, _ := newTestService(t, repo, nil)

	_, err := svc.Signup(context.Background(), SignupInput{ExternalID: "CUST001", Email: "cust@example.com", Password: "StrongPass1"})
	assert.Equal(t, model.ErrCodeDuplicateEmail, model.ErrorCode(err))
}

// 事前確認をすり抜けた競合はストアの重複エラーをそのまま返す
func TestSignup_CreateRaceReturnsStoreDuplicate(t *testing.T) {
	repo := &mockAccountRepo{
		createFn: func(context.Context, *model.Account) error {
			return model.NewDuplicateEmailError()
		},
	}
	svc, _ := newTestService(t, repo, nil)

	_, err := svc.Signup(context.Background(), SignupInput{ExternalID: "CUST001", Email: "cust@example.com", Password: "StrongPass1"})
	assert.Equal(t, model.ErrCodeDuplicateEmail, model.ErrorCode(err))
}

func TestSignup_StoreFailure_IsDependencyError(t *testing.T) {
	m := &mockMetrics{}
	repo := &mockAccountRepo{
		findByExternalIDFn: func(context.Context, string) (*model.Account, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc, _ := newTestService(t, repo, m)

	_, err := svc.Signup(context.Background(), SignupInput{ExternalID: "CUST001", Email: "cust@example.com", Password: "StrongPass1"})

	var depErr *model.DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, []string{metrics.ResultFailure}, m.signups)
}

// --- Login ---

// 不存在・パスワード不一致・無効アカウントはすべて同一のエラーになる
func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	account := activeAccount(t, "StrongPass1")
	inactive := *account
	inactive.Active = false

	tests := []struct {
		name     string
		found    *model.Account
		password string
	}{
		{"存在しない顧客ID", nil, "StrongPass1"},
		{"パスワード不一致", account, "WrongPass1"},
		{"無効アカウント", &inactive, "StrongPass1"},
	}

	var messages []string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockAccountRepo{
				findByExternalIDFn: func(context.Context, string) (*model.Account, error) {
					return tt.found, nil
				},
				touchLastLoginFn: func(context.Context, string) error {
					t.Fatal("TouchLastLogin should not be called on failure")
					return nil
				},
			}
			svc, _ := newTestService(t, repo, nil)

			result, err := svc.Login(context.Background(), "CUST001", tt.password)
			require.Error(t, err)
			assert.Nil(t, result)
			assert.Equal(t, model.ErrCodeAuthFailed, model.ErrorCode(err))
			messages = append(messages, err.Error())
		})
	}

	require.Len(t, messages, 3)
	assert.Equal(t, messages[0], messages[1])
	assert.Equal(t, messages[1], messages[2])
}

func TestLogin_Success_TouchesLastLogin(t *testing.T) {
	account := activeAccount(t, "StrongPass1")
	touched := ""
	m := &mockMetrics{}
	repo := &mockAccountRepo{
		findByExternalIDFn: func(context.Context, string) (*model.Account, error) {
			return account, nil
		},
		touchLastLoginFn: func(_ context.Context, accountID string) error {
			touched = accountID
			return nil
		},
	}
	svc, issuer := newTestService(t, repo, m)

	result, err := svc.Login(context.Background(), "CUST001", "StrongPass1")
	require.NoError(t, err)

	assert.Equal(t, "acc-1", touched)
	assert.NotNil(t, result.Account.LastLoginAt)
	claims, err := issuer.Validate(result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", claims.Subject)
	assert.Equal(t, []string{metrics.ResultSuccess}, m.logins)
}

// 最終ログイン日時の更新失敗はログインを妨げない
func TestLogin_TouchLastLoginFailure_StillSucceeds(t *testing.T) {
	account := activeAccount(t, "StrongPass1")
	repo := &mockAccountRepo{
		findByExternalIDFn: func(context.Context, string) (*model.Account, error) {
			return account, nil
		},
		touchLastLoginFn: func(context.Context, string) error {
			return errors.New("timeout")
		},
	}
	svc, _ := newTestService(t, repo, nil)

	result, err := svc.Login(context.Background(), "CUST001", "StrongPass1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.AccessToken)
	assert.Nil(t, result.Account.LastLoginAt)
}

// --- CurrentAccount ---

func TestCurrentAccount(t *testing.T) {
	account := activeAccount(t, "StrongPass1")
	inactive := *account
	inactive.Active = false

	tests := []struct {
		name     string
		found    *model.Account
		wantCode string
	}{
		{"found", account, ""},
		{"missing", nil, model.ErrCodeAccountNotFound},
		{"inactive", &inactive, model.ErrCodeUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockAccountRepo{
				findByIDFn: func(context.Context, string) (*model.Account, error) {
					return tt.found, nil
				},
			}
			svc, _ := newTestService(t, repo, nil)

			got, err := svc.CurrentAccount(context.Background(), "acc-1")
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, model.ErrorCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "acc-1", got.ID)
		})
	}
}

func TestLogout(t *testing.T) {
	account := activeAccount(t, "StrongPass1")
	inactive := *account
	inactive.Active = false

	tests := []struct {
		name     string
		found    *model.Account
		wantCode string
	}{
		{"active", account, ""},
		{"missing", nil, model.ErrCodeAccountNotFound},
		{"inactive", &inactive, model.ErrCodeUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockAccountRepo{
				findByIDFn: func(context.Context, string) (*model.Account, error) {
					return tt.found, nil
				},
			}
			svc, _ := newTestService(t, repo, nil)

			err := svc.Logout(context.Background(), "acc-1")
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, model.ErrorCode(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}
