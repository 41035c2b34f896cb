package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// credentialStoreContract exercises the CredentialStore behavior both
// implementations must share.
func credentialStoreContract(t *testing.T, s CredentialStore) {
	t.Helper()

	t.Run("read absent returns ErrNotFound", func(t *testing.T) {
		_, err := s.Read(KeyAccessToken, "openid")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("save then read round-trips", func(t *testing.T) {
		require.NoError(t, s.Save(KeyAccessToken, "openid", "secret-a"))
		got, err := s.Read(KeyAccessToken, "openid")
		require.NoError(t, err)
		assert.Equal(t, "secret-a", got)
	})

	t.Run("entries are namespaced by scope", func(t *testing.T) {
		require.NoError(t, s.Save(KeyIDToken, "openid", "for-openid"))
		require.NoError(t, s.Save(KeyIDToken, "openid profile", "for-profile"))

		got, err := s.Read(KeyIDToken, "openid")
		require.NoError(t, err)
		assert.Equal(t, "for-openid", got)
	})

	t.Run("scope normalization addresses the same entry", func(t *testing.T) {
		require.NoError(t, s.Save(KeyRefreshToken, "OpenID  Profile", "r1"))
		got, err := s.Read(KeyRefreshToken, "openid profile")
		require.NoError(t, err)
		assert.Equal(t, "r1", got)
	})

	t.Run("erase removes the entry", func(t *testing.T) {
		require.NoError(t, s.Save(KeyTokenID, "openid", "tid"))
		require.NoError(t, s.Erase(KeyTokenID, "openid"))
		_, err := s.Read(KeyTokenID, "openid")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("erasing an absent entry is not an error", func(t *testing.T) {
		assert.NoError(t, s.Erase(KeyPartnerUserID, "openid"))
	})
}

func metadataStoreContract(t *testing.T, s MetadataStore) {
	t.Helper()

	t.Run("load absent returns ErrNotFound", func(t *testing.T) {
		_, err := s.Load("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("save then load round-trips", func(t *testing.T) {
		require.NoError(t, s.Save("session", []byte(`{"state":"x"}`)))
		data, err := s.Load("session")
		require.NoError(t, err)
		assert.JSONEq(t, `{"state":"x"}`, string(data))
	})

	t.Run("erase absent reports ErrNotFound", func(t *testing.T) {
		assert.ErrorIs(t, s.Erase("never-stored"), ErrNotFound)
	})

	t.Run("erase removes the entry", func(t *testing.T) {
		require.NoError(t, s.Save("gone", []byte("x")))
		require.NoError(t, s.Erase("gone"))
		_, err := s.Load("gone")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryCredentialStore(t *testing.T) {
	credentialStoreContract(t, NewMemoryCredentialStore("client-1"))
}

func TestFileCredentialStore(t *testing.T) {
	s, err := NewFileCredentialStore(t.TempDir(), "client-1")
	require.NoError(t, err)
	credentialStoreContract(t, s)
}

func TestMemoryMetadataStore(t *testing.T) {
	metadataStoreContract(t, NewMemoryMetadataStore())
}

func TestFileMetadataStore(t *testing.T) {
	s, err := NewFileMetadataStore(t.TempDir())
	require.NoError(t, err)
	metadataStoreContract(t, s)
}

func TestFileCredentialStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s1, err := NewFileCredentialStore(dir, "client-1")
	require.NoError(t, err)
	require.NoError(t, s1.Save(KeyAccessToken, "openid", "persisted"))

	// A new store over the same directory sees the entry.
	s2, err := NewFileCredentialStore(dir, "client-1")
	require.NoError(t, err)
	got, err := s2.Read(KeyAccessToken, "openid")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got)

	// A different client id does not.
	other, err := NewFileCredentialStore(dir, "client-2")
	require.NoError(t, err)
	_, err = other.Read(KeyAccessToken, "openid")
	assert.ErrorIs(t, err, ErrNotFound)
}
