package policy

import (
	"encoding/json"
	"net/http"

	"github.com/ontoforge/oms/pkg/auth"
)

// Middleware enforces the gate on an HTTP mux. Identity is taken from the
// request context, where the authentication middleware put it; denials carry
// only the status and reason code.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := auth.UserFrom(r.Context())
		d := g.Authorize(r.Context(), &Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header,
			User:   user,
		})
		if !d.Allow {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(d.Status)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": d.Reason})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithDecision(r.Context(), d)))
	})
}
