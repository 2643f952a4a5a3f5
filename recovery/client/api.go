package client

import (
	"context"
	"net/http"
	"net/url"
)

type keyRequest struct {
	Npub   string `json:"npub"`
	EncKey string `json:"enckey,omitempty"`
	Pwh    string `json:"pwh"`
}

type keyResponse struct {
	EncKey string `json:"enckey"`
}

type nameRequest struct {
	Npub    string `json:"npub"`
	Name    string `json:"name"`
	NewNpub string `json:"newNpub,omitempty"`
}

type namesResponse struct {
	Names []string `json:"names"`
}

type emailRequest struct {
	Npub  string `json:"npub"`
	Email string `json:"email"`
	Code  string `json:"code,omitempty"`
}

// PutKey stores the sealed key of the signer, retrievable with the password hash
func (c *Client) PutKey(ctx context.Context, encKey, pwh string) error {
	return c.call(ctx, http.MethodPost, "/put", &keyRequest{Npub: c.npub(), EncKey: encKey, Pwh: pwh}, nil, true, 0)
}

// GetKey fetches the sealed key of npub. It needs no authorization.
func (c *Client) GetKey(ctx context.Context, npub, pwh string) (string, error) {
	var resp keyResponse
	if err := c.call(ctx, http.MethodPost, "/get", &keyRequest{Npub: npub, Pwh: pwh}, &resp, false, 0); err != nil {
		return "", err
	}
	return resp.EncKey, nil
}

// ClaimName registers a human-readable name for the signer. The server rate limits it with proof of work.
func (c *Client) ClaimName(ctx context.Context, name string) error {
	return c.call(ctx, http.MethodPost, "/name", &nameRequest{Npub: c.npub(), Name: name}, nil, true, c.minPow)
}

// ReleaseName gives up a name of the signer
func (c *Client) ReleaseName(ctx context.Context, name string) error {
	return c.call(ctx, http.MethodDelete, "/name", &nameRequest{Npub: c.npub(), Name: name}, nil, true, 0)
}

// TransferName moves a name of the signer to another key
func (c *Client) TransferName(ctx context.Context, name, newNpub string) error {
	return c.call(ctx, http.MethodPut, "/name", &nameRequest{Npub: c.npub(), Name: name, NewNpub: newNpub}, nil, true, c.minPow)
}

// CheckName returns the names registered for npub
func (c *Client) CheckName(ctx context.Context, npub string) ([]string, error) {
	var resp namesResponse
	path := "/name?" + url.Values{"npub": {npub}}.Encode()
	if err := c.call(ctx, http.MethodGet, path, nil, &resp, false, 0); err != nil {
		return nil, err
	}
	return resp.Names, nil
}

// AttachEmail links a recovery email to the signer. The server sends a confirmation code.
func (c *Client) AttachEmail(ctx context.Context, email string) error {
	return c.call(ctx, http.MethodPost, "/attach", &emailRequest{Npub: c.npub(), Email: email}, nil, true, 0)
}

// ConfirmEmail completes AttachEmail with the received code
func (c *Client) ConfirmEmail(ctx context.Context, email, code string) error {
	return c.call(ctx, http.MethodPost, "/confirm", &emailRequest{Npub: c.npub(), Email: email, Code: code}, nil, true, 0)
}
