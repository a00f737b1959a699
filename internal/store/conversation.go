package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertConversation records a message time and preview, keeping whichever
// is most recent.
func (db *DB) UpsertConversation(c *Conversation) error {
	_, err := db.Exec(`
		INSERT INTO conversations (key, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at
				THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.Key, c.LastMessageAt, c.LastMessagePreview, time.Now().UnixMilli())
	return err
}

// ListConversations returns conversations sorted by last message time
// descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT key, last_message_at, last_message_preview
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.Key, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation returns one conversation, or nil if it is not archived.
func (db *DB) GetConversation(key string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT key, last_message_at, last_message_preview
		FROM conversations WHERE key = ?`, key).
		Scan(&c.Key, &c.LastMessageAt, &c.LastMessagePreview)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// MessageCount returns the total number of archived messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
