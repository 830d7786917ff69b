package controller

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ValidateControlToken reports whether r may change relay state. With no
// control token configured every request may.
func (c *Controller) ValidateControlToken(r *http.Request) bool {
	if len(c.ControlHash) == 0 {
		return true
	}
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	return bcrypt.CompareHashAndPassword(c.ControlHash, []byte(token)) == nil
}

// RequireControl middleware
func (c *Controller) RequireControl(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.ValidateControlToken(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}
