package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/keybunker/keybunker/signer/status"
	"github.com/keybunker/keybunker/signer/types"
)

const storeFileName = "keybunker.db"

// SqlStore is a Store backed by a Sqlite DB persisted to disk
type SqlStore struct {
	db        *gorm.DB
	storeFile string
}

// NewSqliteStore opens or creates the store in dataDir
func NewSqliteStore(ctx context.Context, dataDir string) (*SqlStore, error) {
	storeStr := storeFileName + "?cache=shared&_busy_timeout=5000"
	if runtime.GOOS == "windows" {
		// To avoid `The process cannot access the file because it is being used by another process` on Windows
		storeStr = storeFileName
	}

	file := filepath.Join(dataDir, storeStr)
	db, err := gorm.Open(sqlite.Open(file), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, err
	}

	sql, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway
	sql.SetMaxOpenConns(1)

	err = db.WithContext(ctx).AutoMigrate(
		&types.Key{}, &types.App{}, &types.Permission{}, &types.PendingRequest{},
		&types.HistoryEntry{}, &types.ConnectToken{}, &types.SyncMarker{},
	)
	if err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	log.WithContext(ctx).Debugf("opened store %s", file)
	return &SqlStore{db: db, storeFile: file}, nil
}

func (s *SqlStore) SaveKey(ctx context.Context, key *types.Key) error {
	return s.save(ctx, key, "key")
}

func (s *SqlStore) GetKey(ctx context.Context, pubkey string) (*types.Key, error) {
	var key types.Key
	result := s.db.WithContext(ctx).Take(&key, "pubkey = ?", pubkey)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.NewKeyNotFoundError(pubkey)
		}
		log.WithContext(ctx).Errorf("failed to get key from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get key from store")
	}
	return &key, nil
}

func (s *SqlStore) GetAllKeys(ctx context.Context) ([]*types.Key, error) {
	var keys []*types.Key
	return keys, s.findAll(ctx, &keys, "keys")
}

func (s *SqlStore) DeleteKey(ctx context.Context, pubkey string) error {
	return s.delete(ctx, &types.Key{}, "key", "pubkey = ?", pubkey)
}

func (s *SqlStore) SaveApp(ctx context.Context, app *types.App) error {
	return s.save(ctx, app, "app")
}

func (s *SqlStore) GetApp(ctx context.Context, owner, app string) (*types.App, error) {
	var a types.App
	result := s.db.WithContext(ctx).Take(&a, "owner = ? AND app = ?", owner, app)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.NewAppNotFoundError(owner, app)
		}
		log.WithContext(ctx).Errorf("failed to get app from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get app from store")
	}
	return &a, nil
}

func (s *SqlStore) GetAllApps(ctx context.Context) ([]*types.App, error) {
	var apps []*types.App
	return apps, s.findAll(ctx, &apps, "apps")
}

func (s *SqlStore) DeleteApp(ctx context.Context, owner, app string) error {
	return s.delete(ctx, &types.App{}, "app", "owner = ? AND app = ?", owner, app)
}

func (s *SqlStore) SavePermission(ctx context.Context, perm *types.Permission) error {
	return s.save(ctx, perm, "permission")
}

func (s *SqlStore) GetAllPermissions(ctx context.Context) ([]*types.Permission, error) {
	var perms []*types.Permission
	return perms, s.findAll(ctx, &perms, "permissions")
}

func (s *SqlStore) GetAppPermissions(ctx context.Context, owner, app string) ([]*types.Permission, error) {
	var perms []*types.Permission
	result := s.db.WithContext(ctx).Where("owner = ? AND app = ?", owner, app).Order("timestamp").Find(&perms)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to get app permissions from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get app permissions from store")
	}
	return perms, nil
}

func (s *SqlStore) DeletePermission(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&types.Permission{}, "id = ?", id)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to delete permission from the store: %s", result.Error)
		return status.Errorf(status.Internal, "failed to delete permission from store")
	}
	if result.RowsAffected == 0 {
		return status.Errorf(status.NotFound, "permission not found: %s", id)
	}
	return nil
}

func (s *SqlStore) DeleteAppPermissions(ctx context.Context, owner, app string) error {
	return s.delete(ctx, &types.Permission{}, "app permissions", "owner = ? AND app = ?", owner, app)
}

func (s *SqlStore) AddPending(ctx context.Context, req *types.PendingRequest) (bool, error) {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(req)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to add pending request to the store: %s", result.Error)
		return false, status.Errorf(status.Internal, "failed to add pending request to store")
	}
	return result.RowsAffected == 1, nil
}

func (s *SqlStore) GetAllPending(ctx context.Context) ([]*types.PendingRequest, error) {
	var reqs []*types.PendingRequest
	result := s.db.WithContext(ctx).Order("created_at").Find(&reqs)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to get pending requests from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get pending requests from store")
	}
	return reqs, nil
}

func (s *SqlStore) RemovePending(ctx context.Context, id string) error {
	return s.delete(ctx, &types.PendingRequest{}, "pending request", "id = ?", id)
}

func (s *SqlStore) ConfirmPending(ctx context.Context, id string, allowed bool, decidedAt int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req types.PendingRequest
		result := tx.Take(&req, "id = ?", id)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return status.NewPendingNotFoundError(id)
			}
			return status.Errorf(status.Internal, "failed to get pending request from store")
		}

		entry := types.NewHistoryEntry(&req, allowed, decidedAt)
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(entry).Error; err != nil {
			log.WithContext(ctx).Errorf("failed to save history entry: %s", err)
			return status.Errorf(status.Internal, "failed to save history entry")
		}
		if err := tx.Delete(&types.PendingRequest{}, "id = ?", id).Error; err != nil {
			log.WithContext(ctx).Errorf("failed to delete pending request: %s", err)
			return status.Errorf(status.Internal, "failed to delete pending request")
		}
		return nil
	})
}

func (s *SqlStore) GetHistory(ctx context.Context, owner string, limit int) ([]*types.HistoryEntry, error) {
	var entries []*types.HistoryEntry
	query := s.db.WithContext(ctx).Where("owner = ?", owner).Order("decided_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		log.WithContext(ctx).Errorf("failed to get history from the store: %s", err)
		return nil, status.Errorf(status.Internal, "failed to get history from store")
	}
	return entries, nil
}

func (s *SqlStore) SaveConnectToken(ctx context.Context, token *types.ConnectToken) error {
	return s.save(ctx, token, "connect token")
}

func (s *SqlStore) GetConnectToken(ctx context.Context, token string) (*types.ConnectToken, error) {
	var t types.ConnectToken
	result := s.db.WithContext(ctx).Take(&t, "token = ?", token)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.Errorf(status.NotFound, "connect token not found")
		}
		log.WithContext(ctx).Errorf("failed to get connect token from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get connect token from store")
	}
	return &t, nil
}

func (s *SqlStore) DeleteConnectToken(ctx context.Context, token string) error {
	return s.delete(ctx, &types.ConnectToken{}, "connect token", "token = ?", token)
}

func (s *SqlStore) DeleteExpiredConnectTokens(ctx context.Context, now int64) (int64, error) {
	result := s.db.WithContext(ctx).Delete(&types.ConnectToken{}, "expiry <= ?", now)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to delete expired connect tokens: %s", result.Error)
		return 0, status.Errorf(status.Internal, "failed to delete expired connect tokens")
	}
	return result.RowsAffected, nil
}

func (s *SqlStore) GetSyncMarker(ctx context.Context, owner string) (*types.SyncMarker, error) {
	var m types.SyncMarker
	result := s.db.WithContext(ctx).Take(&m, "owner = ?", owner)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.Errorf(status.NotFound, "sync marker not found for %s", owner)
		}
		log.WithContext(ctx).Errorf("failed to get sync marker from the store: %s", result.Error)
		return nil, status.Errorf(status.Internal, "failed to get sync marker from store")
	}
	return &m, nil
}

func (s *SqlStore) SaveSyncMarker(ctx context.Context, marker *types.SyncMarker) error {
	return s.save(ctx, marker, "sync marker")
}

// ExecuteInTransaction runs f against a store bound to a single transaction.
// f must only use the store it receives.
func (s *SqlStore) ExecuteInTransaction(ctx context.Context, f func(store Store) error) error {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}

	repo := &SqlStore{db: tx, storeFile: s.storeFile}
	if err := f(repo); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		log.WithContext(ctx).Errorf("failed to commit transaction: %s", err)
		return status.Errorf(status.Internal, "failed to commit transaction")
	}
	return nil
}

// Close closes the underlying DB connection
func (s *SqlStore) Close(_ context.Context) error {
	sql, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get db: %w", err)
	}
	return sql.Close()
}

func (s *SqlStore) save(ctx context.Context, obj interface{}, what string) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(obj)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to save %s to the store: %s", what, result.Error)
		return status.Errorf(status.Internal, "failed to save %s to store", what)
	}
	return nil
}

func (s *SqlStore) findAll(ctx context.Context, dest interface{}, what string) error {
	if err := s.db.WithContext(ctx).Find(dest).Error; err != nil {
		log.WithContext(ctx).Errorf("failed to get %s from the store: %s", what, err)
		return status.Errorf(status.Internal, "failed to get %s from store", what)
	}
	return nil
}

func (s *SqlStore) delete(ctx context.Context, model interface{}, what string, query string, args ...interface{}) error {
	result := s.db.WithContext(ctx).Where(query, args...).Delete(model)
	if result.Error != nil {
		log.WithContext(ctx).Errorf("failed to delete %s from the store: %s", what, result.Error)
		return status.Errorf(status.Internal, "failed to delete %s from store", what)
	}
	return nil
}
