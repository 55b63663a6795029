package remoteserver

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// AuthStore resolves bearer tokens to owner ids, generalizing the
// teacher's API-key hashing scheme (internal/serverdb/apikeys.go:
// GenerateAPIKey/VerifyAPIKey hash the secret with sha256 and store only
// the hash) down to the single concept this reference server needs:
// which owner a token belongs to.
type AuthStore struct {
	conn *sql.DB
}

func NewAuthStore(conn *sql.DB) *AuthStore {
	return &AuthStore{conn: conn}
}

func (a *AuthStore) migrate() error {
	_, err := a.conn.Exec(`
CREATE TABLE IF NOT EXISTS remote_api_keys (
	key_hash TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	created_at TEXT NOT NULL
);`)
	return err
}

const keyLength = 32

var base62Chars = []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz")

// IssueKey generates a new bearer token bound to ownerID, returning the
// plaintext token (shown once, mirroring GenerateAPIKey's contract).
func (a *AuthStore) IssueKey(ownerID string) (string, error) {
	secret := make([]byte, keyLength)
	for i := range secret {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(base62Chars))))
		if err != nil {
			return "", fmt.Errorf("remoteserver: generate key: %w", err)
		}
		secret[i] = base62Chars[n.Int64()]
	}
	token := string(secret)
	hash := hashToken(token)
	_, err := a.conn.Exec(`INSERT INTO remote_api_keys (key_hash, owner_id, created_at) VALUES (?, ?, ?)`,
		hash, ownerID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("remoteserver: store key: %w", err)
	}
	return token, nil
}

// Verify resolves a bearer token to its owning owner id.
func (a *AuthStore) Verify(token string) (ownerID string, ok bool) {
	var id string
	err := a.conn.QueryRow(`SELECT owner_id FROM remote_api_keys WHERE key_hash = ?`, hashToken(token)).Scan(&id)
	if err != nil {
		return "", false
	}
	return id, true
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
