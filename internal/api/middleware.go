package api

import (
	"errors"
	"net/http"
)

// requireAuth enforces the shared app password via the x-auth header or the
// auth query parameter. An empty configured password disables the gate.
// OPTIONS requests pass through so CORS preflights never need credentials.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || s.Password == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("x-auth")
		if token == "" {
			token = r.URL.Query().Get("auth")
		}
		if token != s.Password {
			writeError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var errUnauthorized = errors.New("unauthorized")

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, x-auth")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
