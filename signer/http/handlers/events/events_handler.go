package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/keybunker/keybunker/signer/http/util"
	"github.com/keybunker/keybunker/signer/notify"
	"github.com/keybunker/keybunker/signer/status"
)

// keepAliveInterval is how often an idle stream gets a comment line
var keepAliveInterval = 30 * time.Second

// handler streams owner updates as server-sent events
type handler struct {
	notifier *notify.Manager
}

func AddEndpoints(notifier *notify.Manager, router *mux.Router) {
	h := &handler{notifier: notifier}
	router.HandleFunc("/keys/{pubkey}/events", h.stream).Methods("GET", "OPTIONS")
}

func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		util.WriteError(r.Context(), status.Errorf(status.Internal, "streaming unsupported"), w)
		return
	}
	owner := mux.Vars(r)["pubkey"]

	updates := h.notifier.CreateChannel(owner)
	defer h.notifier.CloseChannel(owner, updates)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.WithContext(r.Context()).Errorf("failed to encode update: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
