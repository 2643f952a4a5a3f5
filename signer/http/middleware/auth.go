package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/keybunker/keybunker/signer/http/util"
)

// AuthMiddleware checks the bearer token shared with the confirmation UI
type AuthMiddleware struct {
	token string
}

// NewAuthMiddleware instance constructor. An empty token disables the check.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: token}
}

// Handler method of the middleware which rejects requests without the configured token
func (m *AuthMiddleware) Handler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.token == "" || r.Method == http.MethodOptions {
			h.ServeHTTP(w, r)
			return
		}

		token := ""
		auth := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(auth) == 2 && strings.EqualFold(auth[0], "bearer") {
			token = auth[1]
		} else if q := r.URL.Query().Get("token"); q != "" && strings.HasSuffix(r.URL.Path, "/events") {
			// event streams opened by browsers cannot set headers
			token = q
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) != 1 {
			util.WriteErrorResponse("unauthorized", http.StatusUnauthorized, w)
			return
		}
		h.ServeHTTP(w, r)
	})
}
