package server

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/xid"

	"github.com/keybunker/keybunker/encryption"
	"github.com/keybunker/keybunker/signer/types"
)

const connectScheme = "nostrconnect"

// ConnectURL is a client-initiated pairing link
type ConnectURL struct {
	App    string
	Relays []string
	Secret string
	Perms  string
	Name   string
	URL    string
	Image  string
}

// ParseConnectURL parses a nostrconnect://<app-pubkey>?relay=..&secret=.. link
func ParseConnectURL(raw string) (*ConnectURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid connect url: %w", err)
	}
	if u.Scheme != connectScheme {
		return nil, fmt.Errorf("unexpected scheme %q", u.Scheme)
	}

	app := u.Host
	if app == "" {
		app = strings.TrimPrefix(u.Opaque, "//")
	}
	app = strings.ToLower(app)
	if _, err := encryption.ParsePublicKey(app); err != nil {
		return nil, fmt.Errorf("invalid app public key: %w", err)
	}

	q := u.Query()
	c := &ConnectURL{
		App:    app,
		Relays: q["relay"],
		Secret: q.Get("secret"),
		Perms:  q.Get("perms"),
		Name:   q.Get("name"),
		URL:    q.Get("url"),
		Image:  q.Get("image"),
	}
	if c.Secret == "" {
		return nil, fmt.Errorf("connect url has no secret")
	}
	return c, nil
}

// Request builds the local connect request for owner. The reply echoes the secret.
func (c *ConnectURL) Request(owner string) *types.PendingRequest {
	return &types.PendingRequest{
		ID:      xid.New().String(),
		Owner:   owner,
		App:     c.App,
		Method:  types.MethodConnect,
		Params:  []string{owner, c.Secret, c.Perms},
		AppName: c.Name,
		AppIcon: c.Image,
		AppURL:  c.URL,
		Local:   true,
	}
}

// BunkerURL builds the signer-initiated pairing link bunker://<owner>?relay=..&secret=..
func BunkerURL(owner string, relays []string, secret string) string {
	q := url.Values{}
	for _, r := range relays {
		q.Add("relay", r)
	}
	if secret != "" {
		q.Set("secret", secret)
	}
	u := url.URL{Scheme: "bunker", Host: owner, RawQuery: q.Encode()}
	return u.String()
}
