package store

import (
	"sync"

	"partnerauth/pkg/oauth"
)

// MemoryCredentialStore is an in-memory CredentialStore for tests and
// ephemeral sessions.
type MemoryCredentialStore struct {
	mu       sync.RWMutex
	clientID string
	secrets  map[string]string
}

// NewMemoryCredentialStore creates an empty in-memory credential store.
func NewMemoryCredentialStore(clientID string) *MemoryCredentialStore {
	return &MemoryCredentialStore{
		clientID: clientID,
		secrets:  make(map[string]string),
	}
}

func (s *MemoryCredentialStore) key(key, scope string) string {
	return s.clientID + "\x00" + oauth.NormalizeScope(scope) + "\x00" + key
}

// Save stores a secret under key+scope.
func (s *MemoryCredentialStore) Save(key, scope, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[s.key(key, scope)] = secret
	return nil
}

// Read returns the secret for key+scope, or ErrNotFound.
func (s *MemoryCredentialStore) Read(key, scope string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[s.key(key, scope)]
	if !ok {
		return "", ErrNotFound
	}
	return secret, nil
}

// Erase removes the secret for key+scope.
func (s *MemoryCredentialStore) Erase(key, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, s.key(key, scope))
	return nil
}

// MemoryMetadataStore is an in-memory MetadataStore for tests and
// ephemeral sessions.
type MemoryMetadataStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryMetadataStore creates an empty in-memory metadata store.
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{entries: make(map[string][]byte)}
}

// Save stores data under key.
func (s *MemoryMetadataStore) Save(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.entries[key] = cp
	return nil
}

// Load returns the data for key, or ErrNotFound.
func (s *MemoryMetadataStore) Load(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// Erase removes the entry for key, reporting ErrNotFound for absent entries.
func (s *MemoryMetadataStore) Erase(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return ErrNotFound
	}
	delete(s.entries, key)
	return nil
}

var _ CredentialStore = (*MemoryCredentialStore)(nil)
var _ MetadataStore = (*MemoryMetadataStore)(nil)
