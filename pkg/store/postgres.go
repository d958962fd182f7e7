package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"github.com/shopspring/decimal"

	"github.com/convergio/convergio/pkg/config"
	"github.com/convergio/convergio/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// Postgres is the durable Store backed by pgx.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects, applies pending embedded migrations, and
// returns the store.
func NewPostgres(ctx context.Context, cfg *config.DatabaseConfig) (*Postgres, error) {
	dsn := buildDSN(cfg)

	if err := runMigrations(dsn, cfg.Database); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	slog.Info("Connected to PostgreSQL", "host", cfg.Host, "database", cfg.Database)
	return &Postgres{pool: pool}, nil
}

// Pool exposes the underlying pool for components that run their own
// queries, e.g. the knowledge retriever.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func buildDSN(cfg *config.DatabaseConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	password := ""
	if cfg.PasswordEnv != "" {
		password = os.Getenv(cfg.PasswordEnv)
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, port, cfg.User, password, cfg.Database, sslMode)
}

// runMigrations applies embedded SQL migrations over a short-lived
// database/sql connection.
func runMigrations(dsn, dbName string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, dbName, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return source.Close()
}

func (p *Postgres) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	messages, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, messages, turn_count, budget_limit_usd, status, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   messages = EXCLUDED.messages,
		   turn_count = EXCLUDED.turn_count,
		   status = EXCLUDED.status,
		   ended_at = EXCLUDED.ended_at`,
		conv.ID, conv.UserID, messages, conv.TurnCount,
		conv.BudgetLimitUSD.String(), string(conv.Status), conv.StartedAt, conv.EndedAt)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, user_id, messages, turn_count, budget_limit_usd, status, started_at, ended_at
		   FROM conversations WHERE id = $1`, id)

	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (p *Postgres) ListConversations(ctx context.Context, userID string, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, user_id, messages, turn_count, budget_limit_usd, status, started_at, ended_at
		   FROM conversations
		  WHERE ($1 = '' OR user_id = $1)
		  ORDER BY started_at DESC
		  LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var conv models.Conversation
	var messages []byte
	var budget, status string
	if err := row.Scan(&conv.ID, &conv.UserID, &messages, &conv.TurnCount,
		&budget, &status, &conv.StartedAt, &conv.EndedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(messages, &conv.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	var err error
	conv.BudgetLimitUSD, err = decimalFromDB(budget)
	if err != nil {
		return nil, err
	}
	conv.Status = models.ConversationStatus(status)
	return &conv, nil
}

func (p *Postgres) AppendTurnRecord(ctx context.Context, rec models.TurnRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO turn_records (conv_id, turn_index, speaker_id, model, prompt_tokens, completion_tokens, cost_usd, duration_ms, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ConvID, rec.TurnIndex, rec.SpeakerID, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.CostUSD.String(),
		rec.DurationMS, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("append turn record: %w", err)
	}
	return nil
}

func (p *Postgres) TurnRecords(ctx context.Context, convID string) ([]models.TurnRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT conv_id, turn_index, speaker_id, model, prompt_tokens, completion_tokens, cost_usd, duration_ms, recorded_at
		   FROM turn_records WHERE conv_id = $1 ORDER BY turn_index`, convID)
	if err != nil {
		return nil, fmt.Errorf("query turn records: %w", err)
	}
	defer rows.Close()

	var out []models.TurnRecord
	for rows.Next() {
		var rec models.TurnRecord
		var cost string
		if err := rows.Scan(&rec.ConvID, &rec.TurnIndex, &rec.SpeakerID, &rec.Model,
			&rec.PromptTokens, &rec.CompletionTokens, &cost, &rec.DurationMS, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan turn record: %w", err)
		}
		if rec.CostUSD, err = decimalFromDB(cost); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendCostEntry(ctx context.Context, entry models.CostLedgerEntry) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO cost_entries (ts, provider, model, agent_id, conv_id, session_id, user_id, tokens_in, tokens_out, cost_usd)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.Timestamp, entry.Provider, entry.Model, entry.AgentID, entry.ConvID,
		entry.SessionID, entry.UserID, entry.TokensIn, entry.TokensOut, entry.CostUSD.String())
	if err != nil {
		return fmt.Errorf("append cost entry: %w", err)
	}
	return nil
}

func (p *Postgres) CostEntries(ctx context.Context, since time.Time) ([]models.CostLedgerEntry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT ts, provider, model, agent_id, conv_id, session_id, user_id, tokens_in, tokens_out, cost_usd
		   FROM cost_entries WHERE ts >= $1 ORDER BY ts`, since)
	if err != nil {
		return nil, fmt.Errorf("query cost entries: %w", err)
	}
	defer rows.Close()

	var out []models.CostLedgerEntry
	for rows.Next() {
		var e models.CostLedgerEntry
		var cost string
		if err := rows.Scan(&e.Timestamp, &e.Provider, &e.Model, &e.AgentID, &e.ConvID,
			&e.SessionID, &e.UserID, &e.TokensIn, &e.TokensOut, &cost); err != nil {
			return nil, fmt.Errorf("scan cost entry: %w", err)
		}
		if e.CostUSD, err = decimalFromDB(cost); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func decimalFromDB(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse stored decimal %q: %w", s, err)
	}
	return d, nil
}
