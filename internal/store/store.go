// Package store wraps the PostgreSQL tables the relay reads and writes:
// chat_participants (room membership), chat_messages, chat_rooms
// (last-activity tracking), and users (profile lookup). The relay owns no
// durable state of its own; everything here belongs to the main application
// schema.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message is a chat_messages row as returned by InsertMessage. JSON field
// names follow the column names since rows are forwarded to clients as-is.
type Message struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	SenderID    string    `json:"sender_id"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type"`
	ReplyToID   *string   `json:"reply_to_id"`
	FileURLs    []string  `json:"file_urls"`
	CreatedAt   time.Time `json:"created_at"`
}

// InsertMessageParams are the client-supplied fields of a new message.
type InsertMessageParams struct {
	RoomID      string
	SenderID    string
	Content     string
	MessageType string
	ReplyToID   *string
	FileURLs    []string
}

// Profile is the sender identity attached to broadcast messages.
type Profile struct {
	Name   string
	Avatar *string
}

// DB provides the relay's store operations on a pgx connection pool.
type DB struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

// Connect opens and pings a pgx pool for the given database URL.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// UserRooms returns the ids of every room the user participates in.
func (d *DB) UserRooms(ctx context.Context, userID string) ([]string, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT room_id FROM chat_participants WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roomIDs []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs, rows.Err()
}

// InsertMessage persists a chat message and returns the stored row with its
// server-assigned id and timestamp. An empty MessageType defaults to "text".
func (d *DB) InsertMessage(ctx context.Context, p InsertMessageParams) (*Message, error) {
	if p.MessageType == "" {
		p.MessageType = "text"
	}

	var msg Message
	err := d.pool.QueryRow(ctx,
		`INSERT INTO chat_messages (room_id, sender_id, content, message_type, reply_to_id, file_urls)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, room_id, sender_id, content, message_type, reply_to_id, file_urls, created_at`,
		p.RoomID, p.SenderID, p.Content, p.MessageType, p.ReplyToID, p.FileURLs,
	).Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &msg.MessageType,
		&msg.ReplyToID, &msg.FileURLs, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// TouchRoomActivity bumps a room's last_activity timestamp.
func (d *DB) TouchRoomActivity(ctx context.Context, roomID string) error {
	_, err := d.pool.Exec(ctx,
		`UPDATE chat_rooms SET last_activity = NOW() WHERE id = $1`, roomID)
	return err
}

// UserProfile resolves a user's display name and avatar. An unknown user id
// yields the "Unknown" placeholder rather than an error, matching what
// clients historically rendered for deleted accounts.
func (d *DB) UserProfile(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	err := d.pool.QueryRow(ctx,
		`SELECT name, avatar FROM users WHERE id = $1`, userID).Scan(&p.Name, &p.Avatar)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{Name: "Unknown"}, nil
	}
	if err != nil {
		return Profile{}, err
	}
	return p, nil
}
