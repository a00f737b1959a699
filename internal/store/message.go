package store

import (
	"time"
)

// UpsertMessage inserts or updates a message, idempotent on local_id. Only a
// pending row may change state, so a delivery state never regresses. A new
// row whose server or correlation id is already archived is ignored.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	attachments := m.Attachments
	if attachments == "" {
		attachments = "[]"
	}
	_, err := db.Exec(`
		INSERT INTO messages (local_id, server_id, correlation_id, conversation_key, sender, kind, body,
			attachments, state, outgoing, sent_at, created_at, updated_at)
		SELECT ?1, NULLIF(?2, ''), NULLIF(?3, ''), ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?12
		WHERE NOT EXISTS (
			SELECT 1 FROM messages
			WHERE local_id <> ?1 AND (server_id = NULLIF(?2, '') OR correlation_id = NULLIF(?3, ''))
		)
		ON CONFLICT(local_id) DO UPDATE SET
			server_id = COALESCE(excluded.server_id, messages.server_id),
			attachments = excluded.attachments,
			state = CASE WHEN messages.state = 'pending' THEN excluded.state ELSE messages.state END,
			updated_at = excluded.updated_at`,
		m.LocalID, m.ServerID, m.CorrelationID, m.ConversationKey, m.Sender, m.Kind, m.Body,
		attachments, m.State, m.Outgoing, m.SentAt, now)
	return err
}

// ListMessages returns up to limit messages of a conversation sent before
// beforeTs, newest first.
func (db *DB) ListMessages(key string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT local_id, COALESCE(server_id, ''), COALESCE(correlation_id, ''), conversation_key,
			sender, kind, body, attachments, state, outgoing, sent_at
		FROM messages
		WHERE conversation_key = ? AND sent_at < ?
		ORDER BY sent_at DESC, rowid DESC
		LIMIT ?`, key, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.LocalID, &m.ServerID, &m.CorrelationID, &m.ConversationKey,
			&m.Sender, &m.Kind, &m.Body, &m.Attachments, &m.State, &m.Outgoing, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
