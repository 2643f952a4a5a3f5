package daemon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keybunker/keybunker/encryption"
	"github.com/keybunker/keybunker/signer/keys"
	"github.com/keybunker/keybunker/signer/keystore"
	"github.com/keybunker/keybunker/signer/status"
)

type backupBody struct {
	Npub   string `json:"npub"`
	EncKey string `json:"enckey"`
	Pwh    string `json:"pwh"`
}

func newBackupServer(t *testing.T) *httptest.Server {
	var mu sync.Mutex
	stored := map[string]backupBody{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body backupBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		defer mu.Unlock()

		switch r.URL.Path {
		case "/put":
			if r.Header.Get("Authorization") == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			stored[body.Npub] = body
			_, _ = w.Write([]byte(`{}`))
		case "/get":
			b, ok := stored[body.Npub]
			if !ok || b.Pwh != body.Pwh {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"enckey": b.EncKey})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func lowerBackupWork(t *testing.T) {
	backupIter, hashIter := encryption.BackupKeyIterations, encryption.PasswordHashIterations
	encryption.BackupKeyIterations, encryption.PasswordHashIterations = 100, 10
	t.Cleanup(func() {
		encryption.BackupKeyIterations, encryption.PasswordHashIterations = backupIter, hashIter
	})
}

func TestDaemon_BackupRestore(t *testing.T) {
	lowerBackupWork(t)
	srv := newBackupServer(t)

	d := newTestDaemon(t, clockwork.NewRealClock(), keystore.NewMemory())
	pubkey, err := d.AddKey(d.ctx, "main", passphrase)
	require.NoError(t, err)

	err = d.Backup(d.ctx, pubkey, passphrase)
	assert.True(t, status.IsType(err, status.PreconditionFailed), "no server configured")

	d.config.Recovery.URL = srv.URL
	err = d.Backup(d.ctx, pubkey, "short")
	assert.True(t, status.IsType(err, status.InvalidArgument))
	require.NoError(t, d.Backup(d.ctx, pubkey, passphrase))

	rc, err := d.RecoveryClient(pubkey)
	require.NoError(t, err)
	require.NotNil(t, rc)

	require.NoError(t, d.DeleteKey(d.ctx, pubkey))

	_, err = d.Restore(d.ctx, "restored", pubkey, "Wrong passphrase 2")
	assert.True(t, status.IsType(err, status.NotFound))

	restored, err := d.Restore(d.ctx, "restored", pubkey, passphrase)
	require.NoError(t, err)
	assert.Equal(t, pubkey, restored)
	info := keyInfo(t, d, pubkey)
	assert.False(t, info.Locked)
	assert.Equal(t, "restored", info.Name)
	assert.Equal(t, keys.Npub(pubkey), info.Npub)
}
