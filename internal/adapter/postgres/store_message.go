package postgres

import (
	"context"
	"fmt"

	"github.com/Strob0t/MediaBroker/internal/domain/message"
)

func (s *Store) AddMessage(ctx context.Context, m *message.Message) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (owner_kind, owner_id, text, type)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id::text, created`,
		string(m.OwnerKind), m.OwnerID, m.Text, string(m.Type),
	).Scan(&m.ID, &m.Created)
	if err != nil {
		return fmt.Errorf("add %s message for %s: %w", m.OwnerKind, m.OwnerID, err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, kind message.OwnerKind, ownerID string) ([]message.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, owner_kind, owner_id, text, type, created
		 FROM messages WHERE owner_kind = $1 AND owner_id = $2
		 ORDER BY created DESC, id DESC`, string(kind), ownerID)
	if err != nil {
		return nil, fmt.Errorf("list %s messages for %s: %w", kind, ownerID, err)
	}
	defer rows.Close()

	var msgs []message.Message
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.ID, &m.OwnerKind, &m.OwnerID, &m.Text, &m.Type, &m.Created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
