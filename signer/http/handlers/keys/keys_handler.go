package keys

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/keybunker/keybunker/signer/daemon"
	"github.com/keybunker/keybunker/signer/http/api"
	"github.com/keybunker/keybunker/signer/http/util"
	"github.com/keybunker/keybunker/signer/server"
	"github.com/keybunker/keybunker/signer/status"
)

// handler HTTP handler
type handler struct {
	daemon *daemon.Daemon
}

func AddEndpoints(d *daemon.Daemon, router *mux.Router) {
	h := &handler{daemon: d}
	router.HandleFunc("/keys", h.getAllKeys).Methods("GET", "OPTIONS")
	router.HandleFunc("/keys", h.createKey).Methods("POST", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}", h.deleteKey).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}/unlock", h.unlockKey).Methods("POST", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}/lock", h.lockKey).Methods("POST", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}/export", h.exportKey).Methods("POST", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}/tokens", h.createToken).Methods("POST", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}/nostrconnect", h.connect).Methods("POST", "OPTIONS")
}

func (h *handler) getAllKeys(w http.ResponseWriter, r *http.Request) {
	infos, err := h.daemon.Keys(r.Context())
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}

	resp := make([]*api.Key, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, toKeyResponse(info))
	}
	util.WriteJSONObject(r.Context(), w, resp)
}

func (h *handler) createKey(w http.ResponseWriter, r *http.Request) {
	var req api.KeyRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}

	var pubkey string
	var err error
	if req.Secret != "" {
		pubkey, err = h.daemon.ImportKey(r.Context(), req.Name, req.Secret, req.Passphrase)
	} else {
		pubkey, err = h.daemon.AddKey(r.Context(), req.Name, req.Passphrase)
	}
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	h.writeKey(w, r, pubkey)
}

func (h *handler) deleteKey(w http.ResponseWriter, r *http.Request) {
	if err := h.daemon.DeleteKey(r.Context(), mux.Vars(r)["pubkey"]); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	util.WriteJSONObject(r.Context(), w, util.EmptyObject{})
}

func (h *handler) unlockKey(w http.ResponseWriter, r *http.Request) {
	pubkey := mux.Vars(r)["pubkey"]
	var req api.PassphraseRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}

	var err error
	if req.Passphrase == "" {
		err = h.daemon.UnlockLocal(r.Context(), pubkey)
	} else {
		err = h.daemon.Unlock(r.Context(), pubkey, req.Passphrase)
	}
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	h.writeKey(w, r, pubkey)
}

func (h *handler) lockKey(w http.ResponseWriter, r *http.Request) {
	pubkey := mux.Vars(r)["pubkey"]
	if err := h.daemon.Lock(r.Context(), pubkey); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	h.writeKey(w, r, pubkey)
}

func (h *handler) exportKey(w http.ResponseWriter, r *http.Request) {
	var req api.PassphraseRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}

	backup, err := h.daemon.ExportKey(r.Context(), mux.Vars(r)["pubkey"], req.Passphrase)
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	util.WriteJSONObject(r.Context(), w, &api.ExportResponse{Ncryptsec: backup})
}

func (h *handler) createToken(w http.ResponseWriter, r *http.Request) {
	pubkey := mux.Vars(r)["pubkey"]
	var req api.TokenRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		var err error
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			util.WriteError(r.Context(), status.Errorf(status.InvalidArgument, "invalid ttl %q", req.TTL), w)
			return
		}
	}
	if _, err := h.daemon.Session(pubkey); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}

	token, err := h.daemon.Manager().CreateToken(r.Context(), pubkey, req.SubDelegate, ttl)
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	util.WriteJSONObject(r.Context(), w, &api.TokenResponse{
		Token:     token.Token,
		ExpiresAt: token.Expiry,
		BunkerURL: server.BunkerURL(pubkey, h.daemon.Relays(), token.Token),
	})
}

func (h *handler) connect(w http.ResponseWriter, r *http.Request) {
	var req api.ConnectRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}

	pending, err := h.daemon.Connect(r.Context(), mux.Vars(r)["pubkey"], req.URL)
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	util.WriteJSONObject(r.Context(), w, &api.PendingRequest{
		ID:        pending.ID,
		Owner:     pending.Owner,
		App:       pending.App,
		Method:    pending.Method,
		Params:    pending.Params,
		AppName:   pending.AppName,
		AppIcon:   pending.AppIcon,
		AppURL:    pending.AppURL,
		CreatedAt: pending.CreatedAt,
	})
}

func (h *handler) writeKey(w http.ResponseWriter, r *http.Request, pubkey string) {
	infos, err := h.daemon.Keys(r.Context())
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	for _, info := range infos {
		if info.Pubkey == pubkey {
			util.WriteJSONObject(r.Context(), w, toKeyResponse(info))
			return
		}
	}
	util.WriteError(r.Context(), status.NewKeyNotFoundError(pubkey), w)
}

func toKeyResponse(info *daemon.KeyInfo) *api.Key {
	return &api.Key{
		Pubkey:    info.Pubkey,
		Npub:      info.Npub,
		Name:      info.Name,
		Locked:    info.Locked,
		Local:     info.Local,
		CreatedAt: info.CreatedAt,
	}
}
