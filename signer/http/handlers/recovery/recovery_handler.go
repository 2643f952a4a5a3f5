package recovery

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/keybunker/keybunker/signer/daemon"
	"github.com/keybunker/keybunker/signer/http/api"
	"github.com/keybunker/keybunker/signer/http/util"
	"github.com/keybunker/keybunker/signer/keys"
	"github.com/keybunker/keybunker/signer/status"
)

// handler HTTP handler
type handler struct {
	daemon *daemon.Daemon
}

func AddEndpoints(d *daemon.Daemon, router *mux.Router) {
	h := &handler{daemon: d}
	router.HandleFunc("/keys/restore", h.restore).Methods("POST", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}/backup", h.backup).Methods("POST", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}/names", h.getNames).Methods("GET", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}/names", h.claimName).Methods("POST", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}/names/{name}", h.releaseName).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}/email", h.attachEmail).Methods("POST", "OPTIONS")
}

func (h *handler) restore(w http.ResponseWriter, r *http.Request) {
	var req api.RestoreRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	pubkey, err := keys.DecodePublicKey(req.Pubkey)
	if err != nil {
		util.WriteError(r.Context(), status.Errorf(status.InvalidArgument, "invalid public key: %v", err), w)
		return
	}

	restored, err := h.daemon.Restore(r.Context(), req.Name, pubkey, req.Passphrase)
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	util.WriteJSONObject(r.Context(), w, &api.Key{Pubkey: restored, Npub: keys.Npub(restored), Name: req.Name})
}

func (h *handler) backup(w http.ResponseWriter, r *http.Request) {
	var req api.PassphraseRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	if err := h.daemon.Backup(r.Context(), mux.Vars(r)["pubkey"], req.Passphrase); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	util.WriteJSONObject(r.Context(), w, util.EmptyObject{})
}

func (h *handler) getNames(w http.ResponseWriter, r *http.Request) {
	pubkey := mux.Vars(r)["pubkey"]
	rc, err := h.daemon.RecoveryClient(pubkey)
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	names, err := rc.CheckName(r.Context(), keys.Npub(pubkey))
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	if names == nil {
		names = []string{}
	}
	util.WriteJSONObject(r.Context(), w, &api.Names{Names: names})
}

func (h *handler) claimName(w http.ResponseWriter, r *http.Request) {
	var req api.NameRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	if req.Name == "" {
		util.WriteError(r.Context(), status.Errorf(status.InvalidArgument, "name is required"), w)
		return
	}
	rc, err := h.daemon.RecoveryClient(mux.Vars(r)["pubkey"])
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}

	if req.NewOwner != "" {
		newOwner, derr := keys.DecodePublicKey(req.NewOwner)
		if derr != nil {
			util.WriteError(r.Context(), status.Errorf(status.InvalidArgument, "invalid new owner: %v", derr), w)
			return
		}
		err = rc.TransferName(r.Context(), req.Name, keys.Npub(newOwner))
	} else {
		err = rc.ClaimName(r.Context(), req.Name)
	}
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	util.WriteJSONObject(r.Context(), w, util.EmptyObject{})
}

func (h *handler) releaseName(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rc, err := h.daemon.RecoveryClient(vars["pubkey"])
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	if err := rc.ReleaseName(r.Context(), vars["name"]); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	util.WriteJSONObject(r.Context(), w, util.EmptyObject{})
}

func (h *handler) attachEmail(w http.ResponseWriter, r *http.Request) {
	var req api.EmailRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	rc, err := h.daemon.RecoveryClient(mux.Vars(r)["pubkey"])
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}

	if req.Code != "" {
		err = rc.ConfirmEmail(r.Context(), req.Email, req.Code)
	} else {
		err = rc.AttachEmail(r.Context(), req.Email)
	}
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	util.WriteJSONObject(r.Context(), w, util.EmptyObject{})
}
