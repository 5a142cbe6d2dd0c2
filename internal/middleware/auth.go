package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// AdminAuth guards administrative routes with a static bearer token. With
// an empty token the routes answer 404.
func AdminAuth(token string) Middleware {
	return bearerAuth(token, "admin")
}

// ServiceAuth guards routes reserved for trusted services, such as decision
// queries that assert a resolved identity. With an empty token the routes
// answer 404.
func ServiceAuth(token string) Middleware {
	return bearerAuth(token, "service")
}

func bearerAuth(token, realm string) Middleware {
	challenge := `Bearer realm="` + realm + `"`
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.NotFound(w, r)
				return
			}

			got := strings.TrimSpace(r.Header.Get("Authorization"))
			scheme, presented, ok := strings.Cut(got, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") ||
				subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", challenge)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "unauthorized",
					"code":  "UNAUTHORIZED",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
