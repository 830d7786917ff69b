package utils

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashOrRead returns secret as a bcrypt hash. A value that already is one
// must parse as such and is returned unchanged.
func HashOrRead(secret string) ([]byte, error) {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(secret, prefix) {
			if _, err := bcrypt.Cost([]byte(secret)); err != nil {
				return nil, err
			}
			return []byte(secret), nil
		}
	}
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}
