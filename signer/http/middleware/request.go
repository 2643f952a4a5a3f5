package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/keybunker/keybunker/util"
)

// RequestMiddleware enriches the request context with the log source, a request id and the owner key
type RequestMiddleware struct{}

// NewRequestMiddleware instance constructor
func NewRequestMiddleware() *RequestMiddleware {
	return &RequestMiddleware{}
}

// Handler method of the middleware which enriches the context
func (a *RequestMiddleware) Handler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := util.WithSource(r.Context(), util.HTTPSource)
		ctx = util.WithRequestID(ctx, uuid.New().String())
		if owner, ok := mux.Vars(r)["pubkey"]; ok {
			ctx = util.WithOwner(ctx, owner)
		}
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}
