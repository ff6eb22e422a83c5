// Package auth is the glue layer that turns an API key into an opaque
// (user_id, role) caller identity. The matching/ledger core never
// imports this package; it only ever receives a Caller.
package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"

	"order-matching-engine/internal/apperr"
	"order-matching-engine/internal/models"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Caller is the authenticated identity the gateway receives for every
// call. The core does not parse credentials; it only consumes this.
type Caller struct {
	UserID uuid.UUID
	Role   models.Role
}

// IsAdmin reports whether the caller may act on behalf of other users.
func (c Caller) IsAdmin() bool { return c.Role == models.RoleAdmin }

// Store issues and verifies API keys, hashed with bcrypt. It never
// hands the plaintext key back out once issued, beyond the moment of
// creation.
type Store struct {
	db *sql.DB
}

// New constructs a Store against db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// IssueKey creates an API key for user and returns its plaintext once;
// only the bcrypt hash is persisted.
func (s *Store) IssueKey(user uuid.UUID) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "failed to generate api key", err)
	}
	key := hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "failed to hash api key", err)
	}

	if _, err := s.db.Exec(`UPDATE users SET api_key_hash = ? WHERE id = ?`, hash, user.String()); err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "failed to persist api key hash", err)
	}
	return key, nil
}

// Authenticate resolves a bearer key to a Caller, or Forbidden if no
// user's stored hash matches.
func (s *Store) Authenticate(key string) (Caller, error) {
	rows, err := s.db.Query(`SELECT id, role, api_key_hash FROM users`)
	if err != nil {
		return Caller{}, apperr.Wrap(apperr.KindStorage, "failed to scan users for auth", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, role string
		var hash []byte
		if err := rows.Scan(&id, &role, &hash); err != nil {
			return Caller{}, apperr.Wrap(apperr.KindStorage, "failed to scan user row", err)
		}
		if len(hash) == 0 {
			continue
		}
		if bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil {
			return Caller{UserID: uuid.MustParse(id), Role: models.Role(role)}, nil
		}
	}
	if err := rows.Err(); err != nil {
		return Caller{}, apperr.Wrap(apperr.KindStorage, "failed iterating users", err)
	}
	return Caller{}, apperr.New(apperr.KindForbidden, "invalid api key")
}

// CreateUser registers a new account and returns its issued key.
func (s *Store) CreateUser(name string, role models.Role) (models.User, string, error) {
	u := models.User{ID: uuid.New(), Name: name, Role: role}
	if _, err := s.db.Exec(`INSERT INTO users (id, name, role, api_key_hash, created_at) VALUES (?, ?, ?, ?, NOW(6))`,
		u.ID.String(), u.Name, u.Role, []byte{}); err != nil {
		return models.User{}, "", apperr.Wrap(apperr.KindStorage, "failed to create user", err)
	}
	key, err := s.IssueKey(u.ID)
	if err != nil {
		return models.User{}, "", err
	}
	return u, key, nil
}

// DeleteUser removes a user, rejecting if they hold open orders or any
// nonzero balance.
func (s *Store) DeleteUser(user uuid.UUID) error {
	var openOrders int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM orders WHERE user_id = ? AND status IN (?, ?)`,
		user.String(), models.StatusNew, models.StatusPartExecuted).Scan(&openOrders); err != nil {
		return apperr.Wrap(apperr.KindStorage, "failed to check open orders", err)
	}
	if openOrders > 0 {
		return apperr.New(apperr.KindValidation, fmt.Sprintf("user %s has %d open orders", user, openOrders))
	}

	var nonzero int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM user_balance WHERE user_id = ? AND (total <> 0 OR reserved <> 0)`,
		user.String()).Scan(&nonzero); err != nil {
		return apperr.Wrap(apperr.KindStorage, "failed to check balances", err)
	}
	if nonzero > 0 {
		return apperr.New(apperr.KindValidation, fmt.Sprintf("user %s has nonzero balances", user))
	}

	if _, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, user.String()); err != nil {
		return apperr.Wrap(apperr.KindStorage, "failed to delete user", err)
	}
	return nil
}
