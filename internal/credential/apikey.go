package credential

import (
	"fmt"
	"log/slog"
)

// NewAPIKeyStore builds a credential store over static API keys. Keys never
// expire and are never refreshed; rotation still round-robins among them.
//
// Keys from configuration are merged into the file-backed list on Load so
// operator-added accounts survive alongside configured ones.
func NewAPIKeyStore(path string, keys []string, logger *slog.Logger) Store {
	return &apiKeyStore{
		fileStore: newFileStore(path, "openai", 0, nil, logger),
		seedKeys:  keys,
	}
}

type apiKeyStore struct {
	*fileStore
	seedKeys []string
}

func (s *apiKeyStore) Load() error {
	if err := s.fileStore.Load(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, key := range s.seedKeys {
		if key == "" {
			continue
		}
		id := fmt.Sprintf("config-key-%d", i+1)
		if s.findLocked(id) == nil {
			s.accounts = append(s.accounts, &Account{
				ID:       id,
				AuthKind: "api_key",
				APIKey:   key,
			})
		}
	}
	return nil
}

func (s *apiKeyStore) Reload() error {
	return s.Load()
}

func (s *fileStore) findLocked(id string) *Account {
	for _, a := range s.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}
