package apps

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/keybunker/keybunker/signer/http/api"
	"github.com/keybunker/keybunker/signer/http/util"
	"github.com/keybunker/keybunker/signer/permission"
	"github.com/keybunker/keybunker/signer/status"
	"github.com/keybunker/keybunker/signer/types"
)

// handler HTTP handler
type handler struct {
	manager *permission.Manager
}

func AddEndpoints(manager *permission.Manager, router *mux.Router) {
	h := &handler{manager: manager}
	router.HandleFunc("/keys/{pubkey}/apps", h.getAllApps).Methods("GET", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}/apps/{app}", h.updateApp).Methods("PUT", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}/apps/{app}", h.deleteApp).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}/apps/{app}/perms", h.savePermissions).Methods("PUT", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}/perms", h.getAllPermissions).Methods("GET", "OPTIONS")
	router.HandleFunc("/keys/{pubkey}/perms/{id}", h.deletePermission).Methods("DELETE", "OPTIONS")
}

func (h *handler) getAllApps(w http.ResponseWriter, r *http.Request) {
	apps := h.manager.Apps(mux.Vars(r)["pubkey"])
	resp := make([]*api.App, 0, len(apps))
	for _, a := range apps {
		resp = append(resp, toAppResponse(a))
	}
	util.WriteJSONObject(r.Context(), w, resp)
}

func (h *handler) updateApp(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req api.AppRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}

	a, err := h.manager.UpdateApp(r.Context(), vars["pubkey"], vars["app"], permission.AppUpdate{
		Name: req.Name,
		Icon: req.Icon,
		URL:  req.URL,
	})
	if err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	util.WriteJSONObject(r.Context(), w, toAppResponse(a))
}

func (h *handler) deleteApp(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.manager.DeleteApp(r.Context(), vars["pubkey"], vars["app"]); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	util.WriteJSONObject(r.Context(), w, util.EmptyObject{})
}

func (h *handler) savePermissions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req api.PermissionsRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	if len(req.Perms) == 0 {
		util.WriteError(r.Context(), status.Errorf(status.InvalidArgument, "no permissions given"), w)
		return
	}
	if !h.manager.Cache().Connected(vars["pubkey"], vars["app"]) {
		util.WriteError(r.Context(), status.NewAppNotFoundError(vars["pubkey"], vars["app"]), w)
		return
	}

	if err := h.manager.SavePermissions(r.Context(), vars["pubkey"], vars["app"], req.Perms, req.Allow); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	h.writePermissions(w, r, vars["pubkey"], vars["app"])
}

func (h *handler) getAllPermissions(w http.ResponseWriter, r *http.Request) {
	h.writePermissions(w, r, mux.Vars(r)["pubkey"], r.URL.Query().Get("app"))
}

func (h *handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.manager.DeletePermission(r.Context(), vars["pubkey"], vars["id"]); err != nil {
		util.WriteError(r.Context(), err, w)
		return
	}
	util.WriteJSONObject(r.Context(), w, util.EmptyObject{})
}

// writePermissions lists the permissions of owner, limited to app when it is set
func (h *handler) writePermissions(w http.ResponseWriter, r *http.Request, owner, app string) {
	perms := h.manager.Permissions(owner)
	resp := make([]*api.Permission, 0, len(perms))
	for _, p := range perms {
		if app != "" && p.App != app {
			continue
		}
		resp = append(resp, &api.Permission{
			ID:        p.ID,
			App:       p.App,
			Perm:      p.Perm,
			Value:     p.Value,
			Timestamp: p.Timestamp,
		})
	}
	util.WriteJSONObject(r.Context(), w, resp)
}

func toAppResponse(a *types.App) *api.App {
	return &api.App{
		App:           a.App,
		Name:          a.Name,
		Icon:          a.Icon,
		URL:           a.URL,
		SubDelegate:   a.SubDelegate,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
		PermUpdatedAt: a.PermUpdatedAt,
	}
}
