package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store is the uniform credential store contract shared by the three
// provider variants.
type Store interface {
	// GetToken selects the next enabled account, refreshing it first when
	// stale. It returns an error once every enabled account has been tried
	// and failed.
	GetToken(ctx context.Context) (*Account, error)
	// RefreshToken forces a refresh of the given account and persists the
	// result.
	RefreshToken(ctx context.Context, a *Account) (*Account, error)
	Load() error
	Save() error
	Reload() error
	AddAccount(ctx context.Context, a *Account) error
	UpdateAccount(ctx context.Context, a *Account) error
	DeleteAccount(ctx context.Context, id string) error
	Accounts() []*Account
}

// refreshFunc exchanges a refresh token for fresh access material, mutating
// the account in place.
type refreshFunc func(ctx context.Context, a *Account) error

// fileStore is the shared implementation: a JSON file of accounts, a
// mutex-guarded rotation index, and a provider-specific refresher.
type fileStore struct {
	mu            sync.Mutex
	path          string
	provider      string
	accounts      []*Account
	next          uint64
	refreshBuffer time.Duration
	refresh       refreshFunc
	// inflight coalesces concurrent refreshes of the same account; the
	// channel closes when that refresh completes.
	inflight map[string]chan struct{}
	logger   *slog.Logger
	now      func() time.Time
}

func newFileStore(path, provider string, buffer time.Duration, refresh refreshFunc, logger *slog.Logger) *fileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &fileStore{
		path:          path,
		provider:      provider,
		refreshBuffer: buffer,
		refresh:       refresh,
		inflight:      make(map[string]chan struct{}),
		logger:        logger,
		now:           time.Now,
	}
}

// Load reads the account file. A missing file yields an empty store.
func (s *fileStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *fileStore) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.accounts = nil
			return nil
		}
		return fmt.Errorf("read accounts %s: %w", s.path, err)
	}
	var accounts []*Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return fmt.Errorf("decode accounts %s: %w", s.path, err)
	}
	s.accounts = accounts
	return nil
}

// Save writes the full account list atomically.
func (s *fileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *fileStore) saveLocked() error {
	data, err := json.MarshalIndent(s.accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create auth dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write accounts: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace accounts: %w", err)
	}
	return nil
}

// Reload rereads the account file, discarding in-memory state.
func (s *fileStore) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// GetToken round-robins over enabled accounts using a monotonically
// increasing index. A stale selection is refreshed before being returned;
// when its refresh fails the next enabled account is tried, each enabled
// account at most once per call.
func (s *fileStore) GetToken(ctx context.Context) (*Account, error) {
	s.mu.Lock()
	enabled := s.enabledLocked()
	s.mu.Unlock()
	if len(enabled) == 0 {
		return nil, fmt.Errorf("provider %s has no enabled accounts", s.provider)
	}

	var lastErr error
	for attempt := 0; attempt < len(enabled); attempt++ {
		s.mu.Lock()
		idx := s.next % uint64(len(enabled))
		s.next++
		account := enabled[idx]
		stale := account.IsStale(s.now(), s.refreshBuffer)
		s.mu.Unlock()

		if !stale {
			return account, nil
		}

		if err := s.refreshAccount(ctx, account, false); err != nil {
			s.logger.Warn("credential refresh failed, trying next account",
				slog.String("provider", s.provider),
				slog.String("account", account.ID),
				slog.String("error", err.Error()))
			lastErr = err
			continue
		}
		return account, nil
	}

	return nil, fmt.Errorf("all %d enabled accounts failed refresh for provider %s: %w",
		len(enabled), s.provider, lastErr)
}

// RefreshToken forces a refresh regardless of staleness.
func (s *fileStore) RefreshToken(ctx context.Context, a *Account) (*Account, error) {
	if err := s.refreshAccount(ctx, a, true); err != nil {
		return nil, err
	}
	return a, nil
}

// refreshAccount runs the upstream token exchange without holding the store
// lock, so one slow refresh does not stall unrelated callers. Concurrent
// refreshes of the same account coalesce: followers wait for the leader and
// reuse its result.
func (s *fileStore) refreshAccount(ctx context.Context, a *Account, force bool) error {
	if s.refresh == nil || a.RefreshToken == "" {
		return nil
	}

	s.mu.Lock()
	if !force && !a.IsStale(s.now(), s.refreshBuffer) {
		s.mu.Unlock()
		return nil
	}
	if ch, ok := s.inflight[a.ID]; ok {
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		stale := a.IsStale(s.now(), s.refreshBuffer)
		s.mu.Unlock()
		if stale {
			return fmt.Errorf("refresh of account %s for provider %s failed", a.ID, s.provider)
		}
		return nil
	}
	ch := make(chan struct{})
	s.inflight[a.ID] = ch
	// The refresher works on a copy so the shared account only changes
	// under the lock.
	snapshot := *a
	s.mu.Unlock()

	err := s.refresh(ctx, &snapshot)

	s.mu.Lock()
	delete(s.inflight, a.ID)
	close(ch)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	*a = snapshot
	// Every successful refresh persists the full account list before the
	// account is handed out.
	if saveErr := s.saveLocked(); saveErr != nil {
		s.logger.Error("failed to persist refreshed credentials",
			slog.String("provider", s.provider),
			slog.String("account", a.ID),
			slog.String("error", saveErr.Error()))
	}
	s.mu.Unlock()

	s.logger.Info("credential refreshed",
		slog.String("provider", s.provider),
		slog.String("account", a.ID),
		slog.String("token_suffix", a.TokenSuffix()),
		slog.Time("expires_at", a.ExpiresAt))
	return nil
}

func (s *fileStore) enabledLocked() []*Account {
	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		if a.IsEnabled() {
			out = append(out, a)
		}
	}
	return out
}

// AddAccount appends a new account and persists the list.
func (s *fileStore) AddAccount(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.ID == a.ID {
			return fmt.Errorf("account %s already exists", a.ID)
		}
	}
	s.accounts = append(s.accounts, a)
	return s.saveLocked()
}

// UpdateAccount replaces the account with the same id and persists the list.
func (s *fileStore) UpdateAccount(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.accounts {
		if existing.ID == a.ID {
			s.accounts[i] = a
			return s.saveLocked()
		}
	}
	return fmt.Errorf("account %s not found", a.ID)
}

// DeleteAccount removes the account with the given id and persists the list.
func (s *fileStore) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.accounts {
		if existing.ID == id {
			s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
			return s.saveLocked()
		}
	}
	return fmt.Errorf("account %s not found", id)
}

// Accounts returns a snapshot of the account list.
func (s *fileStore) Accounts() []*Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Account, len(s.accounts))
	copy(out, s.accounts)
	return out
}
