package reset

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/chatauth/internal/model"
	"github.com/hitoshi/chatauth/internal/repository"
)

// memoryAccountRepo はテスト用のインメモリリポジトリ。
// 1つのmutexで全操作を直列化し、ストアの単一ドキュメント更新の原子性を模倣する。
type memoryAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*model.Account

	// findDelay はFindByResetTokenの後に待機し、同時消費の競合を起こしやすくする
	findDelay time.Duration
	failWith  error
}

func newMemoryAccountRepo(accounts ...*model.Account) *memoryAccountRepo {
	r := &memoryAccountRepo{accounts: make(map[string]*model.Account)}
	for _, a := range accounts {
		r.accounts[a.ID] = a
	}
	return r
}

func clone(a *model.Account) *model.Account {
	c := *a
	c.ResetTokens = append([]model.ResetToken(nil), a.ResetTokens...)
	return &c
}

func (r *memoryAccountRepo) get(id string) *model.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok {
		return clone(a)
	}
	return nil
}

func (r *memoryAccountRepo) deactivate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[id].Active = false
}

func (r *memoryAccountRepo) Create(_ context.Context, account *model.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.ExternalID == account.ExternalID {
			return model.NewDuplicateExternalIDError()
		}
		if a.Email == account.Email {
			return model.NewDuplicateEmailError()
		}
	}
	account.ID = fmt.Sprintf("acc-%d", len(r.accounts)+1)
	account.Active = true
	r.accounts[account.ID] = clone(account)
	return nil
}

func (r *memoryAccountRepo) FindByID(_ context.Context, id string) (*model.Account, error) {
	if r.failWith != nil {
		return nil, r.failWith
	}
	return r.get(id), nil
}

func (r *memoryAccountRepo) FindByExternalID(_ context.Context, externalID string) (*model.Account, error) {
	if r.failWith != nil {
		return nil, r.failWith
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.ExternalID == externalID {
			return clone(a), nil
		}
	}
	return nil, nil
}

func (r *memoryAccountRepo) FindByEmail(_ context.Context, email string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.Email == email {
			return clone(a), nil
		}
	}
	return nil, nil
}

func (r *memoryAccountRepo) FindByResetToken(_ context.Context, tokenHash string, now time.Time) (*model.Account, error) {
	r.mu.Lock()
	var found *model.Account
	for _, a := range r.accounts {
		for _, t := range a.ResetTokens {
			if t.TokenHash == tokenHash && t.IsRedeemable(now) {
				found = clone(a)
			}
		}
	}
	r.mu.Unlock()

	if r.findDelay > 0 {
		time.Sleep(r.findDelay)
	}
	return found, nil
}

func (r *memoryAccountRepo) UpdatePassword(_ context.Context, accountID, digest string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return fmt.Errorf("account not found: %s", accountID)
	}
	a.PasswordDigest = digest
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memoryAccountRepo) AppendResetToken(_ context.Context, accountID string, token model.ResetToken, keep int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return fmt.Errorf("account not found: %s", accountID)
	}
	a.ResetTokens = append(a.ResetTokens, token)
	if len(a.ResetTokens) > keep {
		a.ResetTokens = a.ResetTokens[len(a.ResetTokens)-keep:]
	}
	return nil
}

func (r *memoryAccountRepo) MarkResetTokenUsed(_ context.Context, accountID, tokenHash, digest string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return false, nil
	}
	for i, t := range a.ResetTokens {
		if t.TokenHash == tokenHash && t.IsRedeemable(now) {
			a.ResetTokens[i].Used = true
			a.PasswordDigest = digest
			a.UpdatedAt = now
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryAccountRepo) TouchLastLogin(_ context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[accountID]; ok {
		now := time.Now().UTC()
		a.LastLoginAt = &now
	}
	return nil
}

func (r *memoryAccountRepo) PruneResetTokens(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var touched int64
	for _, a := range r.accounts {
		kept := a.ResetTokens[:0]
		for _, t := range a.ResetTokens {
			if t.ExpiresAt.After(before) {
				kept = append(kept, t)
			}
		}
		if len(kept) != len(a.ResetTokens) {
			touched++
		}
		a.ResetTokens = kept
	}
	return touched, nil
}

func (r *memoryAccountRepo) Ping(context.Context) error {
	return nil
}

var _ repository.AccountRepository = (*memoryAccountRepo)(nil)
