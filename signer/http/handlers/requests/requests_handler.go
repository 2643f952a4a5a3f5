package requests

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/keybunker/keybunker/signer/daemon"
	"github.com/keybunker/keybunker/signer/http/api"
	"github.com/keybunker/keybunker/signer/http/util"
	"github.com/keybunker/keybunker/signer/status"
	"github.com/keybunker/keybunker/signer/types"
)

const defaultHistoryLimit = 50

// handler HTTP handler
type handler struct {
	daemon *daemon.Daemon
}

func AddEndpoints(d *daemon.Daemon, router *mux.Router) {
	h := &handler{daemon: d}
	router.HandleFunc("/keys/{pubkey}/pending", h.getPending).Methods("GET", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}/history", h.getHistory).Methods("GET", "OPTIONS")
	router.HandleFunc("/pending/{id}/confirm", h.confirm).Methods("POST", "OPTIONS")
}

func (h *handler) getPending(w http.ResponseWriter, r *http.Request) {
	pending := h.daemon.Manager().Cache().Pending(mux.Vars(r)["pubkey"])

	resp := make([]*api.PendingRequest, 0, len(pending))
	for _, req := range pending {
		resp = append(resp, toPendingResponse(req))
	}
	util.WriteJSONObject(r.Context(), w, resp)
}

func (h *handler) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			util.WriteError(r.Context(), status.Errorf(status.InvalidArgument, "invalid limit %q", raw), w)
			return
		}
		limit = n
	}

	entries, err := h.daemon.Manager().History(r.Context(), mux.Vars(r)["pubkey"], limit)
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}

	resp := make([]*api.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, &api.HistoryEntry{
			ID:        e.ID,
			App:       e.App,
			Method:    e.Method,
			Params:    e.Params,
			Allowed:   e.Allowed,
			CreatedAt: e.CreatedAt,
			DecidedAt: e.DecidedAt,
		})
	}
	util.WriteJSONObject(r.Context(), w, resp)
}

func (h *handler) confirm(w http.ResponseWriter, r *http.Request) {
	var req api.ConfirmRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}

	err := h.daemon.Confirm(r.Context(), mux.Vars(r)["id"], req.Allow, req.Remember, req.Perms)
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	util.WriteJSONObject(r.Context(), w, util.EmptyObject{})
}

func toPendingResponse(req *types.PendingRequest) *api.PendingRequest {
	return &api.PendingRequest{
		ID:          req.ID,
		Owner:       req.Owner,
		App:         req.App,
		Method:      req.Method,
		Params:      req.Params,
		SubDelegate: req.SubDelegate,
		AppName:     req.AppName,
		AppIcon:     req.AppIcon,
		AppURL:      req.AppURL,
		CreatedAt:   req.CreatedAt,
	}
}
