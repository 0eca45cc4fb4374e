package authtest

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User is an account of the test authorization server.
type User struct {
	ID           string
	Email        string
	Role         string
	PasswordHash string

	// AAL and AMR are copied into the access tokens issued for the user
	AAL string
	AMR []string
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

func (u *User) methods(at time.Time) []map[string]any {
	amr := make([]map[string]any, 0, len(u.AMR))
	for _, m := range u.AMR {
		amr = append(amr, map[string]any{"method": m, "timestamp": at.Unix()})
	}
	return amr
}

func (u *User) json() map[string]any {
	return map[string]any{
		"id":    u.ID,
		"email": u.Email,
		"role":  u.Role,
	}
}
