// Package db is the local store: user preferences and the last transcript per
// language.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RichardoC/kisan-dost/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS preferences (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transcripts (
    language TEXT PRIMARY KEY,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS transcript_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    language TEXT NOT NULL,
    position INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    FOREIGN KEY (language) REFERENCES transcripts(language) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS transcript_messages_language
    ON transcript_messages(language, position);`

type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Database{db: db}, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

func (db *Database) GetPreference(ctx context.Context, key string) (string, error) {
	var value string
	err := db.db.QueryRowContext(ctx, "SELECT value FROM preferences WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get preference %s: %w", key, err)
	}
	return value, nil
}

func (db *Database) SetPreference(ctx context.Context, key, value string) error {
	query := `
        INSERT INTO preferences (key, value, updated_at)
        VALUES (?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	if _, err := db.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set preference %s: %w", key, err)
	}
	return nil
}

// SaveTranscript replaces the cached transcript for lang.
func (db *Database) SaveTranscript(ctx context.Context, lang string, msgs []models.Message) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM transcript_messages WHERE language = ?", lang); err != nil {
		return fmt.Errorf("failed to clear transcript: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transcripts (language, updated_at) VALUES (?, ?)
		ON CONFLICT(language) DO UPDATE SET updated_at = excluded.updated_at
	`, lang, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transcript_messages (language, position, role, content)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, msg := range msgs {
		if _, err := stmt.ExecContext(ctx, lang, i, msg.Role, msg.Content); err != nil {
			return fmt.Errorf("failed to save message %d: %w", i, err)
		}
	}

	return tx.Commit()
}

func (db *Database) GetTranscript(ctx context.Context, lang string) (*models.Conversation, error) {
	conv := &models.Conversation{Language: lang, Messages: make([]models.Message, 0)}
	err := db.db.QueryRowContext(ctx, "SELECT updated_at FROM transcripts WHERE language = ?", lang).Scan(&conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}

	rows, err := db.db.QueryContext(ctx, `
        SELECT role, content
        FROM transcript_messages
        WHERE language = ?
        ORDER BY position ASC`, lang)
	if err != nil {
		return nil, fmt.Errorf("failed to get transcript messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.Role, &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		conv.Messages = append(conv.Messages, msg)
	}
	return conv, rows.Err()
}

// DeleteTranscript drops the cached transcript for lang. It returns ErrNotFound
// when there is none.
func (db *Database) DeleteTranscript(ctx context.Context, lang string) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM transcript_messages WHERE language = ?", lang); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM transcripts WHERE language = ?", lang)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
