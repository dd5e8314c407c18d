package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrNotFound is returned by adapter lookups that find no row.
var ErrNotFound = errors.New("db: not found")

// ErrDuplicate is returned when a unique-index violation indicates a
// concurrent duplicate accept for the same (chatId, senderId,
// clientMessageId) key.
var ErrDuplicate = errors.New("db: duplicate key")

// MessageRow mirrors the persisted "messages" row.
type MessageRow struct {
	MessageID       string
	ChatID          string
	SenderID        string
	RecipientID     string
	RoomID          string
	RoomMessageID   string
	Content         string
	MessageType     string
	State           string
	ClientMessageID string
	Edited          bool
	Deleted         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DeliveryRow mirrors a per-recipient delivery record.
type DeliveryRow struct {
	MessageID   string
	RecipientID string
	State       string
	MarkedAt    *time.Time
}

// RoomRow mirrors the persisted room snapshot.
type RoomRow struct {
	RoomID       string
	Name         string
	ThumbnailURL string
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Version      int64
}

// RoomMemberRow mirrors a single room membership row.
type RoomMemberRow struct {
	RoomID   string
	UserID   string
	Role     string
	JoinedAt time.Time
}

// Adapter is the persistence boundary the message lifecycle, delivery, and
// replay services depend on. It is implemented by *Postgres below; tests
// substitute a fake.
type Adapter interface {
	InsertMessage(ctx context.Context, row MessageRow) error
	GetMessage(ctx context.Context, messageID string) (MessageRow, error)
	GetMessageByClientID(ctx context.Context, chatID, senderID, clientMessageID string) (MessageRow, error)
	UpdateMessageState(ctx context.Context, messageID, fromState, toState string) error
	EditMessageContent(ctx context.Context, messageID, newContent string) error
	SoftDeleteMessage(ctx context.Context, messageID string) error

	ListUndeliveredAfter(ctx context.Context, recipientID, afterMessageID string, limit int) ([]MessageRow, error)
	MessageExists(ctx context.Context, messageID string) (bool, error)

	InsertDelivery(ctx context.Context, row DeliveryRow) error
	GetDelivery(ctx context.Context, messageID, recipientID string) (DeliveryRow, error)
	MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) (alreadyDelivered bool, err error)
	MarkRead(ctx context.Context, messageID, recipientID string, at time.Time) (alreadyRead bool, err error)
	DeliveredRecipients(ctx context.Context, roomMessageID string) ([]string, error)

	UpsertReadCursor(ctx context.Context, userID, chatID, lastReadMessageID string, at time.Time) error

	CreateRoom(ctx context.Context, row RoomRow) error
	GetRoom(ctx context.Context, roomID string) (RoomRow, error)
	DeleteRoom(ctx context.Context, roomID string) error
	BumpRoomVersion(ctx context.Context, roomID string, at time.Time) (int64, error)
	UpsertMember(ctx context.Context, row RoomMemberRow) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	ListMembers(ctx context.Context, roomID string) ([]RoomMemberRow, error)
}

// Postgres implements Adapter over a *Database connection pool.
type Postgres struct {
	db *Database
}

// NewPostgres wraps a *Database as an Adapter.
func NewPostgres(database *Database) *Postgres {
	return &Postgres{db: database}
}

func (p *Postgres) InsertMessage(ctx context.Context, row MessageRow) error {
	_, err := p.db.DB().ExecContext(ctx, `
		INSERT INTO messages
			(message_id, chat_id, sender_id, recipient_id, room_id, room_message_id,
			 content, message_type, state, client_message_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
	`, row.MessageID, row.ChatID, row.SenderID, nullable(row.RecipientID), nullable(row.RoomID),
		nullable(row.RoomMessageID), row.Content, row.MessageType, row.State,
		nullable(row.ClientMessageID), row.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) GetMessage(ctx context.Context, messageID string) (MessageRow, error) {
	var row MessageRow
	err := p.db.DB().QueryRowContext(ctx, `
		SELECT message_id, chat_id, sender_id, COALESCE(recipient_id,''), COALESCE(room_id,''),
		       COALESCE(room_message_id,''), content, message_type, state,
		       COALESCE(client_message_id,''), edited, deleted, created_at, updated_at
		FROM messages WHERE message_id = $1
	`, messageID).Scan(&row.MessageID, &row.ChatID, &row.SenderID, &row.RecipientID, &row.RoomID,
		&row.RoomMessageID, &row.Content, &row.MessageType, &row.State, &row.ClientMessageID,
		&row.Edited, &row.Deleted, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRow{}, ErrNotFound
	}
	return row, err
}

// GetMessageByClientID resolves a message by its idempotency key
// (chatId, senderId, clientMessageId) rather than by messageId, used to
// recover the winning row of a concurrent-duplicate insert race.
func (p *Postgres) GetMessageByClientID(ctx context.Context, chatID, senderID, clientMessageID string) (MessageRow, error) {
	var row MessageRow
	err := p.db.DB().QueryRowContext(ctx, `
		SELECT message_id, chat_id, sender_id, COALESCE(recipient_id,''), COALESCE(room_id,''),
		       COALESCE(room_message_id,''), content, message_type, state,
		       COALESCE(client_message_id,''), edited, deleted, created_at, updated_at
		FROM messages WHERE chat_id = $1 AND sender_id = $2 AND client_message_id = $3
	`, chatID, senderID, clientMessageID).Scan(&row.MessageID, &row.ChatID, &row.SenderID, &row.RecipientID, &row.RoomID,
		&row.RoomMessageID, &row.Content, &row.MessageType, &row.State, &row.ClientMessageID,
		&row.Edited, &row.Deleted, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRow{}, ErrNotFound
	}
	return row, err
}

func (p *Postgres) UpdateMessageState(ctx context.Context, messageID, fromState, toState string) error {
	res, err := p.db.DB().ExecContext(ctx, `
		UPDATE messages SET state = $1, updated_at = now()
		WHERE message_id = $2 AND state = $3
	`, toState, messageID, fromState)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update message state: no row matched id=%s from=%s", messageID, fromState)
	}
	return nil
}

func (p *Postgres) EditMessageContent(ctx context.Context, messageID, newContent string) error {
	_, err := p.db.DB().ExecContext(ctx, `
		UPDATE messages SET content = $1, edited = true, updated_at = now()
		WHERE message_id = $2
	`, newContent, messageID)
	return err
}

func (p *Postgres) SoftDeleteMessage(ctx context.Context, messageID string) error {
	_, err := p.db.DB().ExecContext(ctx, `
		UPDATE messages SET deleted = true, updated_at = now()
		WHERE message_id = $1
	`, messageID)
	return err
}

func (p *Postgres) MessageExists(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := p.db.DB().QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE message_id = $1)`, messageID).Scan(&exists)
	return exists, err
}

// ListUndeliveredAfter returns messages addressed to recipientID — direct
// messages where recipientID is the direct recipient, or room fan-out rows
// where recipientID is the per-recipient row's recipient — with message_id
// greater than afterMessageID, ordered ascending, that do not yet have a
// DELIVERED/READ delivery row for recipientID. Bounded by limit.
func (p *Postgres) ListUndeliveredAfter(ctx context.Context, recipientID, afterMessageID string, limit int) ([]MessageRow, error) {
	rows, err := p.db.DB().QueryContext(ctx, `
		SELECT m.message_id, m.chat_id, m.sender_id, COALESCE(m.recipient_id,''), COALESCE(m.room_id,''),
		       COALESCE(m.room_message_id,''), m.content, m.message_type, m.state,
		       COALESCE(m.client_message_id,''), m.edited, m.deleted, m.created_at, m.updated_at
		FROM messages m
		LEFT JOIN message_deliveries d ON d.message_id = m.message_id AND d.recipient_id = $1
		WHERE m.message_id > $2
		  AND m.recipient_id = $1
		  AND m.deleted = false
		  AND (d.state IS NULL OR d.state NOT IN ('DELIVERED','READ'))
		ORDER BY m.message_id ASC
		LIMIT $3
	`, recipientID, afterMessageID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var row MessageRow
		if err := rows.Scan(&row.MessageID, &row.ChatID, &row.SenderID, &row.RecipientID, &row.RoomID,
			&row.RoomMessageID, &row.Content, &row.MessageType, &row.State, &row.ClientMessageID,
			&row.Edited, &row.Deleted, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertDelivery(ctx context.Context, row DeliveryRow) error {
	_, err := p.db.DB().ExecContext(ctx, `
		INSERT INTO message_deliveries (message_id, recipient_id, state, marked_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (message_id, recipient_id) DO NOTHING
	`, row.MessageID, row.RecipientID, row.State, row.MarkedAt)
	return err
}

func (p *Postgres) GetDelivery(ctx context.Context, messageID, recipientID string) (DeliveryRow, error) {
	var row DeliveryRow
	err := p.db.DB().QueryRowContext(ctx, `
		SELECT message_id, recipient_id, state, marked_at
		FROM message_deliveries WHERE message_id = $1 AND recipient_id = $2
	`, messageID, recipientID).Scan(&row.MessageID, &row.RecipientID, &row.State, &row.MarkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DeliveryRow{}, ErrNotFound
	}
	return row, err
}

// MarkDelivered transitions a delivery record to DELIVERED. Idempotent: if
// already DELIVERED or READ, returns alreadyDelivered=true without writing.
func (p *Postgres) MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) (bool, error) {
	row, err := p.GetDelivery(ctx, messageID, recipientID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err == nil && (row.State == "DELIVERED" || row.State == "READ") {
		return true, nil
	}
	_, err = p.db.DB().ExecContext(ctx, `
		INSERT INTO message_deliveries (message_id, recipient_id, state, marked_at)
		VALUES ($1,$2,'DELIVERED',$3)
		ON CONFLICT (message_id, recipient_id) DO UPDATE
		SET state = 'DELIVERED', marked_at = $3
		WHERE message_deliveries.state NOT IN ('DELIVERED','READ')
	`, messageID, recipientID, at)
	return false, err
}

// MarkRead transitions a delivery record to READ. Idempotent.
func (p *Postgres) MarkRead(ctx context.Context, messageID, recipientID string, at time.Time) (bool, error) {
	row, err := p.GetDelivery(ctx, messageID, recipientID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err == nil && row.State == "READ" {
		return true, nil
	}
	_, err = p.db.DB().ExecContext(ctx, `
		INSERT INTO message_deliveries (message_id, recipient_id, state, marked_at)
		VALUES ($1,$2,'READ',$3)
		ON CONFLICT (message_id, recipient_id) DO UPDATE
		SET state = 'READ', marked_at = $3
		WHERE message_deliveries.state <> 'READ'
	`, messageID, recipientID, at)
	return false, err
}

func (p *Postgres) DeliveredRecipients(ctx context.Context, roomMessageID string) ([]string, error) {
	rows, err := p.db.DB().QueryContext(ctx, `
		SELECT d.recipient_id
		FROM message_deliveries d
		JOIN messages m ON m.message_id = d.message_id
		WHERE m.room_message_id = $1 AND d.state IN ('DELIVERED','READ')
	`, roomMessageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) UpsertReadCursor(ctx context.Context, userID, chatID, lastReadMessageID string, at time.Time) error {
	_, err := p.db.DB().ExecContext(ctx, `
		INSERT INTO read_cursors (user_id, chat_id, last_read_message_id, last_read_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (user_id, chat_id) DO UPDATE
		SET last_read_message_id = $3, last_read_at = $4
	`, userID, chatID, lastReadMessageID, at)
	return err
}

func (p *Postgres) CreateRoom(ctx context.Context, row RoomRow) error {
	_, err := p.db.DB().ExecContext(ctx, `
		INSERT INTO rooms (room_id, name, thumbnail_url, created_by, created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$5,1)
	`, row.RoomID, row.Name, row.ThumbnailURL, row.CreatedBy, row.CreatedAt)
	return err
}

func (p *Postgres) GetRoom(ctx context.Context, roomID string) (RoomRow, error) {
	var row RoomRow
	err := p.db.DB().QueryRowContext(ctx, `
		SELECT room_id, COALESCE(name,''), COALESCE(thumbnail_url,''), created_by, created_at, updated_at, version
		FROM rooms WHERE room_id = $1
	`, roomID).Scan(&row.RoomID, &row.Name, &row.ThumbnailURL, &row.CreatedBy, &row.CreatedAt, &row.UpdatedAt, &row.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return RoomRow{}, ErrNotFound
	}
	return row, err
}

func (p *Postgres) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := p.db.DB().ExecContext(ctx, `DELETE FROM rooms WHERE room_id = $1`, roomID)
	return err
}

func (p *Postgres) BumpRoomVersion(ctx context.Context, roomID string, at time.Time) (int64, error) {
	var version int64
	err := p.db.DB().QueryRowContext(ctx, `
		UPDATE rooms SET version = version + 1, updated_at = $2
		WHERE room_id = $1
		RETURNING version
	`, roomID, at).Scan(&version)
	return version, err
}

func (p *Postgres) UpsertMember(ctx context.Context, row RoomMemberRow) error {
	_, err := p.db.DB().ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id, role, joined_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (room_id, user_id) DO UPDATE SET role = $3
	`, row.RoomID, row.UserID, row.Role, row.JoinedAt)
	return err
}

func (p *Postgres) RemoveMember(ctx context.Context, roomID, userID string) error {
	_, err := p.db.DB().ExecContext(ctx, `
		DELETE FROM room_members WHERE room_id = $1 AND user_id = $2
	`, roomID, userID)
	return err
}

func (p *Postgres) ListMembers(ctx context.Context, roomID string) ([]RoomMemberRow, error) {
	rows, err := p.db.DB().QueryContext(ctx, `
		SELECT room_id, user_id, role, joined_at FROM room_members
		WHERE room_id = $1 ORDER BY joined_at ASC
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoomMemberRow
	for rows.Next() {
		var row RoomMemberRow
		if err := rows.Scan(&row.RoomID, &row.UserID, &row.Role, &row.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	return false
}
