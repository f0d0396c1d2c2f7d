package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/whisper/directchat/internal/model"
)

const messageColumns = `id, sender_id, receiver_id, text, image, seen, created_at, updated_at`

// MessageStore persists direct messages.
type MessageStore struct {
	db *DB
}

// NewMessageStore creates a MessageStore.
func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

func scanMessage(row rowScanner) (model.Message, error) {
	var m model.Message
	err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Image,
		&m.Seen, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

// Create persists m as unseen with a fresh id.
func (s *MessageStore) Create(ctx context.Context, m model.Message) (model.Message, error) {
	const query = `
		INSERT INTO messages (id, sender_id, receiver_id, text, image)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + messageColumns

	created, err := scanMessage(s.db.QueryRowContext(ctx, query,
		uuid.NewString(), m.SenderID, m.ReceiverID, m.Text, m.Image))
	if err != nil {
		return model.Message{}, fmt.Errorf("store: insert message: %w", err)
	}
	return created, nil
}

// FindThread returns all messages between a and b in either direction,
// oldest first.
func (s *MessageStore) FindThread(ctx context.Context, a, b string) ([]model.Message, error) {
	const query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, a, b)
	if err != nil {
		return nil, fmt.Errorf("store: find thread: %w", err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: find thread: %w", err)
	}
	return msgs, nil
}

// MarkSeenBulk marks the listed messages from senderID to receiverID as
// seen and returns how many changed. Ids outside that direction, or already
// seen, are left alone, so messages written after the caller's read keep
// their unseen state.
func (s *MessageStore) MarkSeenBulk(ctx context.Context, senderID, receiverID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const query = `
		UPDATE messages
		SET seen = true, updated_at = now()
		WHERE sender_id = $1 AND receiver_id = $2 AND id = ANY($3::uuid[]) AND NOT seen`

	res, err := s.db.ExecContext(ctx, query, senderID, receiverID, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("store: mark seen bulk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: mark seen bulk: %w", err)
	}
	return n, nil
}

// MarkSeen marks one message addressed to receiverID as seen and reports
// whether this call flipped it. Repeating it is a no-op that returns the same
// row. A message that does not exist or belongs to someone else is reported
// as not found.
func (s *MessageStore) MarkSeen(ctx context.Context, id, receiverID string) (model.Message, bool, error) {
	const query = `
		WITH prev AS (
			SELECT seen FROM messages
			WHERE id = $1 AND receiver_id = $2
			FOR UPDATE
		)
		UPDATE messages m
		SET seen = true,
		    updated_at = CASE WHEN prev.seen THEN m.updated_at ELSE now() END
		FROM prev
		WHERE m.id = $1 AND m.receiver_id = $2
		RETURNING m.id, m.sender_id, m.receiver_id, m.text, m.image, m.seen,
		          m.created_at, m.updated_at, NOT prev.seen`

	var (
		m       model.Message
		changed bool
	)
	err := s.db.QueryRowContext(ctx, query, id, receiverID).Scan(
		&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Image,
		&m.Seen, &m.CreatedAt, &m.UpdatedAt, &changed)
	if err != nil {
		return model.Message{}, false, notFoundOr(err, "message", "mark seen")
	}
	return m, changed, nil
}

// CountUnseenGroupedBySender returns senderID -> number of unseen messages
// addressed to receiverID. Senders with nothing unseen are absent.
func (s *MessageStore) CountUnseenGroupedBySender(ctx context.Context, receiverID string) (map[string]int, error) {
	const query = `
		SELECT sender_id, COUNT(*)
		FROM messages
		WHERE receiver_id = $1 AND NOT seen
		GROUP BY sender_id`

	rows, err := s.db.QueryContext(ctx, query, receiverID)
	if err != nil {
		return nil, fmt.Errorf("store: count unseen: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			sender string
			n      int
		)
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, fmt.Errorf("store: scan unseen count: %w", err)
		}
		counts[sender] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: count unseen: %w", err)
	}
	return counts, nil
}
