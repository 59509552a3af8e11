package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/ZentaChain/zentalk-chat/pkg/storage/migrations"
)

// SQLiteStore persists accounts and mailboxes in a SQLite database.
// Delivered messages stay in the table marked read.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Create adds an account
func (s *SQLiteStore) Create(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (name, created_at) VALUES (?, ?)`,
		name, time.Now().Unix())
	if isConstraintErr(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// Exists reports whether the account is known
func (s *SQLiteStore) Exists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up account: %w", err)
	}
	return true, nil
}

// Delete removes the account; its messages go with it via ON DELETE CASCADE
func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List yields matching names in lexicographic order. Rows are read lazily
// as the sequence is consumed.
func (s *SQLiteStore) List(ctx context.Context, pattern string) (iter.Seq2[string, error], error) {
	re, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	src := func(yield func(string, error) bool) {
		rows, err := s.db.QueryContext(ctx, `SELECT name FROM accounts ORDER BY name`)
		if err != nil {
			yield("", fmt.Errorf("failed to list accounts: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				yield("", fmt.Errorf("failed to scan account: %w", err))
				return
			}
			if !yield(name, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", err)
		}
	}
	return filterNames(ctx, re, src), nil
}

// Append queues msg for the receiver
func (s *SQLiteStore) Append(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg = NewMessage(msg.Sender, msg.Receiver, msg.Body)
	}
	msg.Read = false

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, sender, receiver, body, digest, sent_at, is_read)
		SELECT ?, ?, ?, ?, ?, ?, 0
		WHERE EXISTS (SELECT 1 FROM accounts WHERE name = ?)`,
		msg.ID, msg.Sender, msg.Receiver, msg.Body, Digest(msg), msg.SentAt.UnixNano(), msg.Receiver)
	if err != nil {
		return Message{}, fmt.Errorf("failed to store message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Message{}, fmt.Errorf("failed to store message: %w", err)
	}
	if n == 0 {
		return Message{}, ErrUnknownReceiver
	}
	return msg, nil
}

// PullUnread marks the current unread messages of account as read in one
// transaction, then streams exactly that range oldest first.
func (s *SQLiteStore) PullUnread(ctx context.Context, account string) (iter.Seq2[Message, error], error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE name = ?`, account).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}

	var lo, hi sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MIN(seq), MAX(seq) FROM messages WHERE receiver = ? AND is_read = 0`,
		account).Scan(&lo, &hi)
	if err != nil {
		return nil, fmt.Errorf("failed to find unread messages: %w", err)
	}
	if !hi.Valid {
		return func(yield func(Message, error) bool) {}, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET is_read = 1, read_at = ? WHERE receiver = ? AND is_read = 0 AND seq <= ?`,
		time.Now().Unix(), account, hi.Int64)
	if err != nil {
		return nil, fmt.Errorf("failed to mark messages read: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pull: %w", err)
	}

	return func(yield func(Message, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT message_id, sender, receiver, body, digest, sent_at
			FROM messages
			WHERE receiver = ? AND seq BETWEEN ? AND ? AND is_read = 1
			ORDER BY seq`,
			account, lo.Int64, hi.Int64)
		if err != nil {
			yield(Message{}, fmt.Errorf("failed to read messages: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				msg    Message
				digest []byte
				sentAt int64
			)
			if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Receiver, &msg.Body, &digest, &sentAt); err != nil {
				yield(Message{}, fmt.Errorf("failed to scan message: %w", err))
				return
			}
			msg.SentAt = time.Unix(0, sentAt).UTC()
			msg.Read = true
			if err := VerifyDigest(msg, digest); err != nil {
				yield(Message{}, err)
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Message{}, err)
		}
	}, nil
}

// HasUnread reports whether account has undelivered messages
func (s *SQLiteStore) HasUnread(ctx context.Context, account string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE receiver = ? AND is_read = 0)`,
		account).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check unread messages: %w", err)
	}
	return exists, nil
}

// Stats counts accounts and unread messages
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Driver: "sqlite"}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM accounts),
			(SELECT COUNT(*) FROM messages WHERE is_read = 0)`).
		Scan(&stats.Accounts, &stats.UnreadMessages)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to collect stats: %w", err)
	}
	return stats, nil
}

// PurgeRead deletes delivered messages read before cutoff and returns how
// many were removed
func (s *SQLiteStore) PurgeRead(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE is_read = 1 AND read_at IS NOT NULL AND read_at < ?`,
		cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge read messages: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
