package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"github.com/keybunker/keybunker/signer/types"
)

type handler func(ctx context.Context, req *types.PendingRequest) (string, error)

// Methods returns the request methods a backend can execute
func Methods() []string {
	handlers := (&Backend{}).newHandlers()
	methods := make([]string, 0, len(handlers))
	for m := range handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

func (b *Backend) newHandlers() map[string]handler {
	return map[string]handler{
		types.MethodConnect:      b.connect,
		types.MethodGetPublicKey: b.getPublicKey,
		types.MethodPing:         b.ping,
		types.MethodSignEvent:    b.signEvent,
		types.MethodNip04Encrypt: b.nip04Encrypt,
		types.MethodNip04Decrypt: b.nip04Decrypt,
		types.MethodNip44Encrypt: b.nip44Encrypt,
		types.MethodNip44Decrypt: b.nip44Decrypt,
	}
}

func (b *Backend) connect(_ context.Context, req *types.PendingRequest) (string, error) {
	if len(req.Params) > 1 && req.Params[1] != "" {
		return req.Params[1], nil
	}
	return "ack", nil
}

func (b *Backend) getPublicKey(context.Context, *types.PendingRequest) (string, error) {
	return b.signer.PublicKey(), nil
}

func (b *Backend) ping(context.Context, *types.PendingRequest) (string, error) {
	return "pong", nil
}

// unsignedEvent holds the fields of a sign_event request that are trusted. Id, pubkey and sig are recomputed.
type unsignedEvent struct {
	Kind      int             `json:"kind"`
	Content   string          `json:"content"`
	Tags      nostr.Tags      `json:"tags"`
	CreatedAt nostr.Timestamp `json:"created_at"`
}

func (b *Backend) signEvent(_ context.Context, req *types.PendingRequest) (string, error) {
	if len(req.Params) < 1 {
		return "", fmt.Errorf("missing event")
	}
	var in unsignedEvent
	if err := json.Unmarshal([]byte(req.Params[0]), &in); err != nil {
		return "", fmt.Errorf("invalid event: %w", err)
	}
	if in.Tags == nil {
		in.Tags = nostr.Tags{}
	}

	ev := nostr.Event{
		Kind:      in.Kind,
		Content:   in.Content,
		Tags:      in.Tags,
		CreatedAt: in.CreatedAt,
	}
	if err := b.signer.SignEvent(&ev); err != nil {
		return "", err
	}

	out, err := json.Marshal(&ev)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func peerAndText(req *types.PendingRequest) (string, string, error) {
	if len(req.Params) < 2 {
		return "", "", fmt.Errorf("expected peer public key and text")
	}
	return req.Params[0], req.Params[1], nil
}

func (b *Backend) nip04Encrypt(_ context.Context, req *types.PendingRequest) (string, error) {
	peer, text, err := peerAndText(req)
	if err != nil {
		return "", err
	}
	return b.signer.EncryptLegacy(peer, text)
}

func (b *Backend) nip04Decrypt(_ context.Context, req *types.PendingRequest) (string, error) {
	peer, text, err := peerAndText(req)
	if err != nil {
		return "", err
	}
	return b.signer.DecryptLegacy(peer, text)
}

func (b *Backend) nip44Encrypt(_ context.Context, req *types.PendingRequest) (string, error) {
	peer, text, err := peerAndText(req)
	if err != nil {
		return "", err
	}
	return b.signer.Encrypt(peer, text)
}

func (b *Backend) nip44Decrypt(_ context.Context, req *types.PendingRequest) (string, error) {
	peer, text, err := peerAndText(req)
	if err != nil {
		return "", err
	}
	return b.signer.Decrypt(peer, text)
}
