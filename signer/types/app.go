package types

const (
	PermAllow = "allow"
	PermDeny  = "deny"
)

// App is a client application connected to a signing key.
// A deleted App is a tombstone kept so the deletion can replicate to other devices.
type App struct {
	Owner         string `gorm:"primaryKey"`
	App           string `gorm:"primaryKey"`
	Name          string
	Icon          string
	URL           string
	UserAgent     string
	Token         string
	SubDelegate   string
	CreatedAt     int64 `gorm:"autoCreateTime:false"`
	UpdatedAt     int64 `gorm:"autoUpdateTime:false"`
	PermUpdatedAt int64
	Deleted       bool
}

// Copy returns a copy of the app
func (a *App) Copy() *App {
	c := *a
	return &c
}

// Permission is a remembered decision for a permission key (method, method:kind or package name)
type Permission struct {
	ID        string `gorm:"primaryKey"`
	Owner     string `gorm:"index:idx_perm_owner_app"`
	App       string `gorm:"index:idx_perm_owner_app"`
	Perm      string
	Value     string
	Timestamp int64
}

// Allowed reports whether the permission grants the request
func (p *Permission) Allowed() bool {
	return p.Value == PermAllow
}

// Copy returns a copy of the permission
func (p *Permission) Copy() *Permission {
	c := *p
	return &c
}

// ConnectToken is a single-use secret that authorizes a connect request
type ConnectToken struct {
	Token       string `gorm:"primaryKey"`
	Owner       string `gorm:"index"`
	SubDelegate string
	CreatedAt   int64 `gorm:"autoCreateTime:false"`
	Expiry      int64
}

// Valid reports whether the token belongs to owner and is not expired at now (unix ms)
func (t *ConnectToken) Valid(owner string, now int64) bool {
	return t.Owner == owner && now < t.Expiry
}

// Key is a stored signing key. The private key is only kept wrapped.
type Key struct {
	Pubkey string `gorm:"primaryKey"`
	Name   string
	// LocalCipher and LocalIV hold the key wrapped with the device-local wrapping key
	LocalCipher []byte
	LocalIV     []byte
	// Backup is the passphrase-wrapped portable backup string
	Backup    string
	CreatedAt int64 `gorm:"autoCreateTime:false"`
}

// SyncMarker records that the full permission state of an owner was published at least once
type SyncMarker struct {
	Owner    string `gorm:"primaryKey"`
	SyncedAt int64
}
