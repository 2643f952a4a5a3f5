package permsync

import (
	"encoding/json"
	"fmt"

	"github.com/keybunker/keybunker/signer/types"
)

// Payload is a parsed snapshot: either *Full or *Tombstone
type Payload interface {
	Pair() (owner, app string)
}

// Full carries the complete metadata and permission list of one app
type Full struct {
	App   *types.App
	Perms []*types.Permission
}

func (f *Full) Pair() (string, string) {
	return f.App.Owner, f.App.App
}

// Tombstone marks an app deleted at UpdatedAt
type Tombstone struct {
	Owner     string
	App       string
	UpdatedAt int64
}

func (t *Tombstone) Pair() (string, string) {
	return t.Owner, t.App
}

type document struct {
	Owner         *string `json:"owner"`
	App           *string `json:"app"`
	Deleted       bool    `json:"deleted,omitempty"`
	UpdatedAt     *int64  `json:"updatedAt"`
	CreatedAt     *int64  `json:"createdAt,omitempty"`
	PermUpdatedAt *int64  `json:"permUpdatedAt,omitempty"`

	Name        string `json:"name,omitempty"`
	Icon        string `json:"icon,omitempty"`
	URL         string `json:"url,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	SubDelegate string `json:"subDelegate,omitempty"`

	Perms []permDocument `json:"perms,omitempty"`
}

type permDocument struct {
	ID        *string `json:"id"`
	Owner     *string `json:"owner"`
	App       *string `json:"app"`
	Perm      *string `json:"perm"`
	Value     *string `json:"value"`
	Timestamp *int64  `json:"timestamp"`
}

// Encode serializes the state of an app. Deleted apps encode as tombstones.
func Encode(app *types.App, perms []*types.Permission) ([]byte, error) {
	doc := document{
		Owner:     &app.Owner,
		App:       &app.App,
		UpdatedAt: &app.UpdatedAt,
	}
	if app.Deleted {
		doc.Deleted = true
		return json.Marshal(doc)
	}

	doc.CreatedAt = &app.CreatedAt
	doc.PermUpdatedAt = &app.PermUpdatedAt
	doc.Name = app.Name
	doc.Icon = app.Icon
	doc.URL = app.URL
	doc.UserAgent = app.UserAgent
	doc.SubDelegate = app.SubDelegate
	doc.Perms = make([]permDocument, 0, len(perms))
	for _, p := range perms {
		doc.Perms = append(doc.Perms, permDocument{
			ID:        &p.ID,
			Owner:     &p.Owner,
			App:       &p.App,
			Perm:      &p.Perm,
			Value:     &p.Value,
			Timestamp: &p.Timestamp,
		})
	}
	return json.Marshal(doc)
}

// ParsePayload validates a decrypted snapshot document
func ParsePayload(data []byte) (Payload, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	if doc.Owner == nil || *doc.Owner == "" || doc.App == nil || *doc.App == "" || doc.UpdatedAt == nil {
		return nil, fmt.Errorf("invalid snapshot: missing owner, app or updatedAt")
	}
	owner, app := *doc.Owner, *doc.App

	if doc.Deleted {
		return &Tombstone{Owner: owner, App: app, UpdatedAt: *doc.UpdatedAt}, nil
	}

	if doc.CreatedAt == nil || doc.PermUpdatedAt == nil {
		return nil, fmt.Errorf("invalid snapshot: missing createdAt or permUpdatedAt")
	}

	full := &Full{
		App: &types.App{
			Owner:         owner,
			App:           app,
			Name:          doc.Name,
			Icon:          doc.Icon,
			URL:           doc.URL,
			UserAgent:     doc.UserAgent,
			SubDelegate:   doc.SubDelegate,
			CreatedAt:     *doc.CreatedAt,
			UpdatedAt:     *doc.UpdatedAt,
			PermUpdatedAt: *doc.PermUpdatedAt,
		},
		Perms: make([]*types.Permission, 0, len(doc.Perms)),
	}
	for i, p := range doc.Perms {
		if p.ID == nil || p.Owner == nil || p.App == nil || p.Perm == nil || p.Timestamp == nil {
			return nil, fmt.Errorf("invalid snapshot: permission %d is incomplete", i)
		}
		if *p.Owner != owner || *p.App != app {
			return nil, fmt.Errorf("invalid snapshot: permission %s belongs to another app", *p.ID)
		}
		value := types.PermAllow
		if p.Value != nil {
			value = *p.Value
		}
		if value != types.PermAllow && value != types.PermDeny {
			return nil, fmt.Errorf("invalid snapshot: permission %s has value %q", *p.ID, value)
		}
		full.Perms = append(full.Perms, &types.Permission{
			ID:        *p.ID,
			Owner:     owner,
			App:       app,
			Perm:      *p.Perm,
			Value:     value,
			Timestamp: *p.Timestamp,
		})
	}
	return full, nil
}
