package client

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keybunker/keybunker/pow"
	"github.com/keybunker/keybunker/signer/keys"
	"github.com/keybunker/keybunker/signer/status"
)

type fakeServer struct {
	t *testing.T
	*httptest.Server

	mu       sync.Mutex
	attempts []int
	handle   func(w http.ResponseWriter, r *http.Request, ev *nostr.Event, body []byte)
}

func newFakeServer(t *testing.T, handle func(w http.ResponseWriter, r *http.Request, ev *nostr.Event, body []byte)) *fakeServer {
	s := &fakeServer{t: t, handle: handle}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// serve checks the authorization event, when present, like a real server would
func (s *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if !assert.NoError(s.t, err) {
		return
	}

	var ev *nostr.Event
	if header := r.Header.Get("Authorization"); header != "" {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Nostr "))
		if !assert.NoError(s.t, err) {
			return
		}
		ev = &nostr.Event{}
		if !assert.NoError(s.t, json.Unmarshal(raw, ev)) {
			return
		}

		ok, err := ev.CheckSignature()
		assert.NoError(s.t, err)
		assert.True(s.t, ok)
		assert.Equal(s.t, AuthKind, ev.Kind)

		tags := map[string]string{}
		target := 0
		for _, tag := range ev.Tags {
			tags[tag[0]] = tag[1]
			if tag[0] == "nonce" {
				target, _ = strconv.Atoi(tag[2])
			}
		}
		assert.Equal(s.t, s.URL+r.URL.RequestURI(), tags["u"])
		assert.Equal(s.t, r.Method, tags["method"])
		if len(body) > 0 {
			sum := sha256.Sum256(body)
			assert.Equal(s.t, hex.EncodeToString(sum[:]), tags["payload"])
		}
		assert.GreaterOrEqual(s.t, pow.Difficulty(ev.ID), target)

		s.mu.Lock()
		s.attempts = append(s.attempts, target)
		s.mu.Unlock()
	}
	s.handle(w, r, ev, body)
}

// declaredPow returns the proof of work target committed in the nonce tag
func declaredPow(ev *nostr.Event) int {
	for _, tag := range ev.Tags {
		if tag[0] == "nonce" {
			n, _ := strconv.Atoi(tag[2])
			return n
		}
	}
	return 0
}

func (s *fakeServer) powAttempts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.attempts...)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, url string, minPow, maxPow int) (*Client, *keys.Signer) {
	t.Helper()
	priv, err := keys.GenerateKey()
	require.NoError(t, err)
	signer, err := keys.NewSigner(priv)
	require.NoError(t, err)
	t.Cleanup(signer.Destroy)

	c := NewClient(url, signer, minPow, maxPow)
	c.backOff = func(ctx context.Context) backoff.BackOff {
		return backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxRetries), ctx)
	}
	return c, signer
}

func TestClient_PutGetKey(t *testing.T) {
	stored := map[string]keyRequest{}
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, ev *nostr.Event, body []byte) {
		var req keyRequest
		if !assert.NoError(t, json.Unmarshal(body, &req)) {
			return
		}
		switch r.URL.Path {
		case "/put":
			if assert.NotNil(t, ev) {
				assert.Equal(t, keys.Npub(ev.PubKey), req.Npub)
			}
			stored[req.Npub] = req
			writeJSON(w, http.StatusOK, struct{}{})
		case "/get":
			assert.Nil(t, ev)
			k, ok := stored[req.Npub]
			if !ok || k.Pwh != req.Pwh {
				writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
				return
			}
			writeJSON(w, http.StatusOK, keyResponse{EncKey: k.EncKey})
		}
	})

	c, signer := newTestClient(t, srv.URL, 2, 6)
	require.NoError(t, c.PutKey(context.Background(), "sealed", "hash"))

	anon := NewClient(srv.URL, nil, 0, 0)
	got, err := anon.GetKey(context.Background(), keys.Npub(signer.PublicKey()), "hash")
	require.NoError(t, err)
	assert.Equal(t, "sealed", got)

	_, err = anon.GetKey(context.Background(), keys.Npub(signer.PublicKey()), "other")
	assert.True(t, status.IsType(err, status.NotFound))
	assert.Equal(t, []int{0}, srv.powAttempts())

	err = anon.PutKey(context.Background(), "sealed", "hash")
	assert.True(t, status.IsType(err, status.PreconditionFailed))
}

func TestClient_PowRaisedToServerMinimum(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, ev *nostr.Event, body []byte) {
		if declaredPow(ev) < 5 {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "pow too low", MinPow: 5})
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})

	c, _ := newTestClient(t, srv.URL, 2, 8)
	require.NoError(t, c.ClaimName(context.Background(), "alice"))
	assert.Equal(t, []int{2, 5}, srv.powAttempts())
}

func TestClient_PowExhausted(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, ev *nostr.Event, body []byte) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "slow down"})
	})

	c, _ := newTestClient(t, srv.URL, 2, 5)
	err := c.TransferName(context.Background(), "alice", "npub1other")
	assert.True(t, status.IsType(err, status.TooManyRequests))
	assert.Equal(t, []int{2, 3, 4, 5}, srv.powAttempts())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, ev *nostr.Event, body []byte) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, namesResponse{Names: []string{"alice"}})
	})

	c, _ := newTestClient(t, srv.URL, 2, 5)
	names, err := c.CheckName(context.Background(), "npub1abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, names)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ServerErrorsExhausted(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, ev *nostr.Event, body []byte) {
		w.WriteHeader(http.StatusBadGateway)
	})

	c, _ := newTestClient(t, srv.URL, 2, 5)
	err := c.ReleaseName(context.Background(), "alice")
	assert.True(t, status.IsType(err, status.Internal))
	assert.Len(t, srv.powAttempts(), maxRetries+1)
}

func TestClient_ErrorMapping(t *testing.T) {
	tt := []struct {
		code     int
		expected status.Type
	}{
		{http.StatusBadRequest, status.InvalidArgument},
		{http.StatusUnauthorized, status.Unauthenticated},
		{http.StatusForbidden, status.PermissionDenied},
		{http.StatusNotFound, status.NotFound},
		{http.StatusConflict, status.AlreadyExists},
		{http.StatusTeapot, status.Internal},
	}

	for _, tc := range tt {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, ev *nostr.Event, body []byte) {
				writeJSON(w, tc.code, errorResponse{Error: "nope"})
			})
			c, _ := newTestClient(t, srv.URL, 2, 5)
			err := c.AttachEmail(context.Background(), "a@example.com")
			assert.True(t, status.IsType(err, tc.expected), err)
		})
	}
}

func TestClient_ConfirmEmail(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, ev *nostr.Event, body []byte) {
		var req emailRequest
		assert.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "/confirm", r.URL.Path)
		assert.Equal(t, "a@example.com", req.Email)
		assert.Equal(t, "123456", req.Code)
		writeJSON(w, http.StatusOK, struct{}{})
	})

	c, _ := newTestClient(t, srv.URL, 2, 5)
	require.NoError(t, c.ConfirmEmail(context.Background(), "a@example.com", "123456"))
}
