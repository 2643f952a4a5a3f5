// Package client talks to the recovery and name registration server
package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"github.com/keybunker/keybunker/pow"
	"github.com/keybunker/keybunker/signer/keys"
	"github.com/keybunker/keybunker/signer/status"
)

const (
	// AuthKind is the kind of the HTTP authorization event
	AuthKind = 27235

	DefaultMinPow = 11
	DefaultMaxPow = 20

	maxResponseSize  = 1 << 20
	maxRetries       = 3
	requestTimeout   = 30 * time.Second
	authHeaderScheme = "Nostr"
)

// Signer signs the authorization events
type Signer interface {
	PublicKey() string
	SignEvent(ev *nostr.Event) error
}

// Client calls the recovery server on behalf of one key
type Client struct {
	log        *log.Entry
	baseURL    string
	httpClient *http.Client
	signer     Signer
	minPow     int
	maxPow     int
	backOff    func(ctx context.Context) backoff.BackOff
}

// NewClient creates a client. signer may be nil for the unauthenticated calls.
func NewClient(baseURL string, signer Signer, minPow, maxPow int) *Client {
	if minPow <= 0 {
		minPow = DefaultMinPow
	}
	if maxPow < minPow {
		maxPow = DefaultMaxPow
	}
	return &Client{
		log:        log.WithField("server", baseURL),
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		signer:     signer,
		minPow:     minPow,
		maxPow:     maxPow,
		backOff:    defaultBackoff,
	}
}

func defaultBackoff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     800 * time.Millisecond,
		RandomizationFactor: 1,
		Multiplier:          1.7,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      time.Minute,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, maxRetries), ctx)
}

type errorResponse struct {
	Error  string `json:"error"`
	MinPow int    `json:"minPow"`
}

type response struct {
	code int
	body []byte
}

// call sends a request and decodes the reply into out. Rejections that ask for more
// proof of work are retried with a higher target until maxPow is exceeded.
func (c *Client) call(ctx context.Context, method, path string, in, out interface{}, auth bool, target int) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	for {
		resp, err := c.send(ctx, method, path, payload, auth, target)
		if err != nil {
			return err
		}

		if resp.code >= 200 && resp.code < 300 {
			if out == nil || len(resp.body) == 0 {
				return nil
			}
			if err := json.Unmarshal(resp.body, out); err != nil {
				return status.Errorf(status.Internal, "invalid response from server: %v", err)
			}
			return nil
		}

		var e errorResponse
		_ = json.Unmarshal(resp.body, &e)
		if !powRejected(resp.code, e) {
			return toStatusError(resp.code, e.Error)
		}

		next := target + 1
		if e.MinPow > next {
			next = e.MinPow
		}
		if next > c.maxPow {
			return status.Errorf(status.TooManyRequests, "server demands proof of work above %d", c.maxPow)
		}
		c.log.Debugf("%s %s rejected at pow %d, retrying at %d", method, path, target, next)
		target = next
	}
}

func powRejected(code int, e errorResponse) bool {
	return code == http.StatusTooManyRequests || (code == http.StatusForbidden && e.MinPow > 0)
}

// send performs one logical request, retrying transport failures and server errors
func (c *Client) send(ctx context.Context, method, path string, payload []byte, auth bool, target int) (*response, error) {
	var resp *response
	operation := func() error {
		req, err := c.newRequest(ctx, method, path, payload, auth, target)
		if err != nil {
			return backoff.Permanent(err)
		}

		r, err := c.httpClient.Do(req)
		if err != nil {
			c.log.Debugf("request %s %s failed: %v", method, path, err)
			return err
		}
		defer r.Body.Close()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseSize))
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			return fmt.Errorf("server responded with %d", r.StatusCode)
		}
		resp = &response{code: r.StatusCode, body: body}
		return nil
	}

	if err := backoff.Retry(operation, c.backOff(ctx)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		var s *status.Error
		if errors.As(err, &s) {
			return nil, err
		}
		return nil, status.Errorf(status.Internal, "request %s %s failed: %v", method, path, err)
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload []byte, auth bool, target int) (*http.Request, error) {
	url := c.baseURL + path
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, status.Errorf(status.InvalidArgument, "invalid request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !auth {
		return req, nil
	}

	header, err := c.authHeader(ctx, method, url, payload, target)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", header)
	return req, nil
}

// authHeader builds the signed authorization event for a request, mined to target
func (c *Client) authHeader(ctx context.Context, method, url string, payload []byte, target int) (string, error) {
	if c.signer == nil {
		return "", status.Errorf(status.PreconditionFailed, "no key to authorize the request")
	}

	ev := nostr.Event{
		Kind:      AuthKind,
		PubKey:    c.signer.PublicKey(),
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"u", url}, {"method", method}},
	}
	if len(payload) > 0 {
		sum := sha256.Sum256(payload)
		ev.Tags = append(ev.Tags, nostr.Tag{"payload", hex.EncodeToString(sum[:])})
	}
	if err := pow.Mine(ctx, &ev, target); err != nil {
		return "", err
	}
	if err := c.signer.SignEvent(&ev); err != nil {
		return "", err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return authHeaderScheme + " " + base64.StdEncoding.EncodeToString(data), nil
}

func toStatusError(code int, msg string) error {
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return status.Errorf(status.InvalidArgument, "%s", msg)
	case http.StatusUnauthorized:
		return status.Errorf(status.Unauthenticated, "%s", msg)
	case http.StatusForbidden:
		return status.Errorf(status.PermissionDenied, "%s", msg)
	case http.StatusNotFound:
		return status.Errorf(status.NotFound, "%s", msg)
	case http.StatusConflict:
		return status.Errorf(status.AlreadyExists, "%s", msg)
	default:
		return status.Errorf(status.Internal, "unexpected response %d: %s", code, msg)
	}
}

func (c *Client) npub() string {
	if c.signer == nil {
		return ""
	}
	return keys.Npub(c.signer.PublicKey())
}
