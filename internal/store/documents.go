package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

// dialect holds the statements that differ between SQL backends.
type dialect struct {
	upsertConversation string
	deleteConversation string
	upsertBot          string
	deleteBot          string
}

// docStore implements Store over database/sql for a dialect.
type docStore struct {
	db      *sql.DB
	name    string
	dialect dialect
}

// DB exposes the underlying connection pool, used by database_query actions.
func (s *docStore) DB() *sql.DB {
	return s.db
}

func (s *docStore) SaveConversation(ctx context.Context, state models.ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal conversation %s: %w", state.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.upsertConversation,
		state.ID, state.BotID, string(data), state.LastActivity.UTC(), time.Now().UTC())
	if err != nil {
		return errorf(s.name, "SaveConversation", err, "conversationID", state.ID)
	}
	slog.Debug(s.name+".SaveConversation succeeded", "conversationID", state.ID)
	return nil
}

func (s *docStore) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.deleteConversation, id); err != nil {
		return errorf(s.name, "DeleteConversation", err, "conversationID", id)
	}
	slog.Debug(s.name+".DeleteConversation succeeded", "conversationID", id)
	return nil
}

func (s *docStore) LoadConversations(ctx context.Context) ([]models.ConversationState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM conversations ORDER BY id`)
	if err != nil {
		return nil, errorf(s.name, "LoadConversations", err)
	}
	defer rows.Close()

	var out []models.ConversationState
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, errorf(s.name, "LoadConversations", err)
		}
		var state models.ConversationState
		if err := json.Unmarshal(data, &state); err != nil {
			slog.Warn(s.name+".LoadConversations: skipping unreadable record", "conversationID", id, "error", err)
			continue
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, errorf(s.name, "LoadConversations", err)
	}
	slog.Debug(s.name+".LoadConversations succeeded", "count", len(out))
	return out, nil
}

func (s *docStore) SaveBot(ctx context.Context, bot models.BotInstance) error {
	data, err := json.Marshal(bot)
	if err != nil {
		return fmt.Errorf("marshal bot %s: %w", bot.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertBot, bot.ID, bot.TenantID, string(data), time.Now().UTC()); err != nil {
		return errorf(s.name, "SaveBot", err, "botID", bot.ID)
	}
	slog.Debug(s.name+".SaveBot succeeded", "botID", bot.ID)
	return nil
}

func (s *docStore) DeleteBot(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.deleteBot, id); err != nil {
		return errorf(s.name, "DeleteBot", err, "botID", id)
	}
	return nil
}

func (s *docStore) LoadBots(ctx context.Context) ([]models.BotInstance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM bots ORDER BY id`)
	if err != nil {
		return nil, errorf(s.name, "LoadBots", err)
	}
	defer rows.Close()

	var out []models.BotInstance
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, errorf(s.name, "LoadBots", err)
		}
		var bot models.BotInstance
		if err := json.Unmarshal(data, &bot); err != nil {
			slog.Warn(s.name+".LoadBots: skipping unreadable record", "botID", id, "error", err)
			continue
		}
		out = append(out, bot)
	}
	if err := rows.Err(); err != nil {
		return nil, errorf(s.name, "LoadBots", err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *docStore) Close() error {
	slog.Debug(s.name + ".Close: closing database connection")
	return s.db.Close()
}
