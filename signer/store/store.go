package store

import (
	"context"

	"github.com/keybunker/keybunker/signer/types"
)

// Store is the persistence layer for keys, app connections, permissions and requests
type Store interface {
	SaveKey(ctx context.Context, key *types.Key) error
	GetKey(ctx context.Context, pubkey string) (*types.Key, error)
	GetAllKeys(ctx context.Context) ([]*types.Key, error)
	DeleteKey(ctx context.Context, pubkey string) error

	SaveApp(ctx context.Context, app *types.App) error
	GetApp(ctx context.Context, owner, app string) (*types.App, error)
	GetAllApps(ctx context.Context) ([]*types.App, error)
	DeleteApp(ctx context.Context, owner, app string) error

	SavePermission(ctx context.Context, perm *types.Permission) error
	GetAllPermissions(ctx context.Context) ([]*types.Permission, error)
	GetAppPermissions(ctx context.Context, owner, app string) ([]*types.Permission, error)
	DeletePermission(ctx context.Context, id string) error
	DeleteAppPermissions(ctx context.Context, owner, app string) error

	// AddPending inserts req unless a request with the same id exists and reports whether it was inserted
	AddPending(ctx context.Context, req *types.PendingRequest) (bool, error)
	GetAllPending(ctx context.Context) ([]*types.PendingRequest, error)
	RemovePending(ctx context.Context, id string) error
	// ConfirmPending moves a pending request to the history in one transaction
	ConfirmPending(ctx context.Context, id string, allowed bool, decidedAt int64) error
	GetHistory(ctx context.Context, owner string, limit int) ([]*types.HistoryEntry, error)

	SaveConnectToken(ctx context.Context, token *types.ConnectToken) error
	GetConnectToken(ctx context.Context, token string) (*types.ConnectToken, error)
	DeleteConnectToken(ctx context.Context, token string) error
	DeleteExpiredConnectTokens(ctx context.Context, now int64) (int64, error)

	GetSyncMarker(ctx context.Context, owner string) (*types.SyncMarker, error)
	SaveSyncMarker(ctx context.Context, marker *types.SyncMarker) error

	ExecuteInTransaction(ctx context.Context, f func(store Store) error) error
	Close(ctx context.Context) error
}
