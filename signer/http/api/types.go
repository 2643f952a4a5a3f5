// Package api holds the JSON bodies of the confirmation UI API
package api

// Key is a stored signing key
type Key struct {
	Pubkey    string `json:"pubkey"`
	Npub      string `json:"npub"`
	Name      string `json:"name"`
	Locked    bool   `json:"locked"`
	Local     bool   `json:"local"`
	CreatedAt int64  `json:"created_at"`
}

// KeyRequest adds a new key, or imports Secret when it is set
type KeyRequest struct {
	Name       string `json:"name"`
	Passphrase string `json:"passphrase"`
	Secret     string `json:"secret,omitempty"`
}

// PassphraseRequest carries a passphrase. An empty passphrase unlocks from the keychain.
type PassphraseRequest struct {
	Passphrase string `json:"passphrase"`
}

// ExportResponse holds a passphrase-protected backup
type ExportResponse struct {
	Ncryptsec string `json:"ncryptsec"`
}

// PendingRequest is a request awaiting a manual decision
type PendingRequest struct {
	ID          string   `json:"id"`
	Owner       string   `json:"owner"`
	App         string   `json:"app"`
	Method      string   `json:"method"`
	Params      []string `json:"params"`
	SubDelegate string   `json:"sub_delegate,omitempty"`
	AppName     string   `json:"app_name,omitempty"`
	AppIcon     string   `json:"app_icon,omitempty"`
	AppURL      string   `json:"app_url,omitempty"`
	CreatedAt   int64    `json:"created_at"`
}

// ConfirmRequest decides a pending request
type ConfirmRequest struct {
	Allow    bool     `json:"allow"`
	Remember bool     `json:"remember"`
	Perms    []string `json:"perms,omitempty"`
}

// HistoryEntry is a past manual decision
type HistoryEntry struct {
	ID        string   `json:"id"`
	App       string   `json:"app"`
	Method    string   `json:"method"`
	Params    []string `json:"params"`
	Allowed   bool     `json:"allowed"`
	CreatedAt int64    `json:"created_at"`
	DecidedAt int64    `json:"decided_at"`
}

// App is a connected client application
type App struct {
	App           string `json:"app"`
	Name          string `json:"name"`
	Icon          string `json:"icon"`
	URL           string `json:"url"`
	SubDelegate   string `json:"sub_delegate,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
	PermUpdatedAt int64  `json:"perm_updated_at"`
}

// AppRequest updates the metadata of an app
type AppRequest struct {
	Name string `json:"name"`
	Icon string `json:"icon"`
	URL  string `json:"url"`
}

// PermissionsRequest remembers one value for several permission keys of an app
type PermissionsRequest struct {
	Perms []string `json:"perms"`
	Allow bool     `json:"allow"`
}

// Permission is a remembered decision
type Permission struct {
	ID        string `json:"id"`
	App       string `json:"app"`
	Perm      string `json:"perm"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// TokenRequest issues a connect token. TTL is a Go duration string.
type TokenRequest struct {
	SubDelegate string `json:"sub_delegate,omitempty"`
	TTL         string `json:"ttl,omitempty"`
}

// TokenResponse is an issued connect token with its pairing link
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	BunkerURL string `json:"bunker_url"`
}

// ConnectRequest injects a nostrconnect:// pairing link
type ConnectRequest struct {
	URL string `json:"url"`
}

// RestoreRequest restores a key from the recovery server
type RestoreRequest struct {
	Name       string `json:"name"`
	Pubkey     string `json:"pubkey"`
	Passphrase string `json:"passphrase"`
}

// NameRequest claims a name, or transfers it when NewOwner is set
type NameRequest struct {
	Name     string `json:"name"`
	NewOwner string `json:"new_owner,omitempty"`
}

// Names lists the names registered for a key
type Names struct {
	Names []string `json:"names"`
}

// EmailRequest attaches a recovery email, or confirms it when Code is set
type EmailRequest struct {
	Email string `json:"email"`
	Code  string `json:"code,omitempty"`
}
