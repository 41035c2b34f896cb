package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"partnerauth/pkg/oauth"
)

// FileCredentialStore is a file-backed CredentialStore for a single client.
//
// SECURITY: this store handles token material. Files are created with 0600
// permissions inside a 0700 directory, filenames are hashes so they leak
// neither key names nor scopes, and secret values are never logged.
type FileCredentialStore struct {
	mu       sync.RWMutex
	dir      string
	clientID string
	cache    map[string]string
}

// NewFileCredentialStore creates a credential store rooted at dir,
// namespacing all entries by the given client id.
func NewFileCredentialStore(dir, clientID string) (*FileCredentialStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, Errors.NewWithCause(CodeCredentialStoreFailed, err).
			WithDetail("dir", dir)
	}

	return &FileCredentialStore{
		dir:      dir,
		clientID: clientID,
		cache:    make(map[string]string),
	}, nil
}

// Save stores a secret under key+scope.
func (s *FileCredentialStore) Save(key, scope, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.entryName(key, scope)
	if err := os.WriteFile(filepath.Join(s.dir, name), []byte(secret), 0o600); err != nil {
		return Errors.NewWithCause(CodeCredentialStoreFailed, err).
			WithDetail("key", key)
	}
	s.cache[name] = secret
	return nil
}

// Read returns the secret for key+scope, or ErrNotFound.
func (s *FileCredentialStore) Read(key, scope string) (string, error) {
	name := s.entryName(key, scope)

	s.mu.RLock()
	if secret, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return secret, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if secret, ok := s.cache[name]; ok {
		return secret, nil
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", Errors.NewWithCause(CodeCredentialStoreFailed, err).
			WithDetail("key", key)
	}

	s.cache[name] = string(data)
	return string(data), nil
}

// Erase removes the secret for key+scope. Absent entries are ignored.
func (s *FileCredentialStore) Erase(key, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.entryName(key, scope)
	delete(s.cache, name)

	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return Errors.NewWithCause(CodeCredentialStoreFailed, err).
			WithDetail("key", key)
	}
	return nil
}

// entryName hashes clientID, normalized scope, and key into a
// filesystem-safe name.
func (s *FileCredentialStore) entryName(key, scope string) string {
	sum := sha256.Sum256([]byte(s.clientID + "\x00" + oauth.NormalizeScope(scope) + "\x00" + key))
	return hex.EncodeToString(sum[:16]) + ".cred"
}

// FileMetadataStore is a file-backed MetadataStore.
type FileMetadataStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileMetadataStore creates a metadata store rooted at dir.
func NewFileMetadataStore(dir string) (*FileMetadataStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, Errors.NewWithCause(CodeMetadataStoreFailed, err).
			WithDetail("dir", dir)
	}
	return &FileMetadataStore{dir: dir}, nil
}

// Save stores data under key.
func (s *FileMetadataStore) Save(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.path(key), data, 0o600); err != nil {
		return Errors.NewWithCause(CodeMetadataStoreFailed, err).
			WithDetail("key", key)
	}
	return nil
}

// Load returns the data for key, or ErrNotFound.
func (s *FileMetadataStore) Load(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Errors.NewWithCause(CodeMetadataStoreFailed, err).
			WithDetail("key", key)
	}
	return data, nil
}

// Erase removes the entry for key, reporting ErrNotFound for absent entries.
func (s *FileMetadataStore) Erase(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return Errors.NewWithCause(CodeMetadataStoreFailed, err).
			WithDetail("key", key)
	}
	return nil
}

func (s *FileMetadataStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+".json")
}

var _ CredentialStore = (*FileCredentialStore)(nil)
var _ MetadataStore = (*FileMetadataStore)(nil)

// DefaultStorageDir returns the default storage root for file stores,
// following XDG conventions under the user's home directory.
func DefaultStorageDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "partnerauth"), nil
}
