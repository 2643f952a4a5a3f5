package permsync

import (
	"context"
	"fmt"

	"github.com/keybunker/keybunker/signer/status"
	"github.com/keybunker/keybunker/signer/store"
	"github.com/keybunker/keybunker/signer/types"
)

// Merge applies a snapshot to the store in one transaction and reports whether local state changed.
// Metadata follows the newer updatedAt, the permission list follows the newer permUpdatedAt.
func Merge(ctx context.Context, st store.Store, p Payload) (bool, error) {
	changed := false
	err := st.ExecuteInTransaction(ctx, func(tx store.Store) error {
		var err error
		switch p := p.(type) {
		case *Tombstone:
			changed, err = mergeTombstone(ctx, tx, p)
		case *Full:
			changed, err = mergeFull(ctx, tx, p)
		default:
			err = fmt.Errorf("unknown snapshot payload %T", p)
		}
		return err
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func getLocal(ctx context.Context, tx store.Store, owner, app string) (*types.App, error) {
	local, err := tx.GetApp(ctx, owner, app)
	if err != nil {
		if status.IsType(err, status.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	return local, nil
}

func mergeTombstone(ctx context.Context, tx store.Store, t *Tombstone) (bool, error) {
	local, err := getLocal(ctx, tx, t.Owner, t.App)
	if err != nil || local == nil {
		return false, err
	}
	if local.UpdatedAt >= t.UpdatedAt {
		return false, nil
	}

	if err := tx.DeleteAppPermissions(ctx, t.Owner, t.App); err != nil {
		return false, err
	}
	if err := tx.DeleteApp(ctx, t.Owner, t.App); err != nil {
		return false, err
	}
	return true, nil
}

func mergeFull(ctx context.Context, tx store.Store, f *Full) (bool, error) {
	remote := f.App
	local, err := getLocal(ctx, tx, remote.Owner, remote.App)
	if err != nil {
		return false, err
	}

	if local == nil {
		if err := tx.SaveApp(ctx, remote.Copy()); err != nil {
			return false, err
		}
		return true, savePerms(ctx, tx, f.Perms)
	}

	changed := false
	if local.UpdatedAt < remote.UpdatedAt {
		local.Name = remote.Name
		local.Icon = remote.Icon
		local.URL = remote.URL
		local.UserAgent = remote.UserAgent
		local.SubDelegate = remote.SubDelegate
		local.Deleted = false
		local.UpdatedAt = remote.UpdatedAt
		if remote.CreatedAt < local.CreatedAt {
			local.CreatedAt = remote.CreatedAt
		}
		changed = true
	}

	if local.PermUpdatedAt < remote.PermUpdatedAt {
		if err := tx.DeleteAppPermissions(ctx, remote.Owner, remote.App); err != nil {
			return false, err
		}
		if err := savePerms(ctx, tx, f.Perms); err != nil {
			return false, err
		}
		local.PermUpdatedAt = remote.PermUpdatedAt
		changed = true
	}

	if !changed {
		return false, nil
	}
	return true, tx.SaveApp(ctx, local)
}

func savePerms(ctx context.Context, tx store.Store, perms []*types.Permission) error {
	for _, p := range perms {
		if err := tx.SavePermission(ctx, p.Copy()); err != nil {
			return err
		}
	}
	return nil
}
