package store

import "database/sql"

const adminPasswordKey = "admin_password_hash"

// SetMetadata upserts a key-value pair in the bot_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO bot_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM bot_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetAdminPasswordHash stores the bcrypt hash guarding the admin HTTP API.
func (s *Store) SetAdminPasswordHash(hash string) error {
	return s.SetMetadata(adminPasswordKey, hash)
}

// AdminPasswordHash returns the stored bcrypt hash, empty if never seeded.
func (s *Store) AdminPasswordHash() (string, error) {
	return s.GetMetadata(adminPasswordKey)
}
