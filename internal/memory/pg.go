package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"github.com/rs/zerolog/log"
)

const embeddingDims = 256

// PgxIface is the slice of pgxpool the mirror needs, mockable in tests
type PgxIface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// PgMirror mirrors episodes into Postgres with a pgvector embedding of
// the market-state text, enabling cross-restart similarity recall.
// The in-memory store stays authoritative; mirror writes are best-effort.
type PgMirror struct {
	db PgxIface
}

const episodesSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS episodes (
	episode_id   TEXT PRIMARY KEY,
	ts           TIMESTAMPTZ NOT NULL,
	symbol       TEXT NOT NULL,
	venue        TEXT,
	signal       TEXT NOT NULL,
	agent_id     TEXT,
	entry_price  DOUBLE PRECISION,
	quantity     DOUBLE PRECISION,
	confidence   DOUBLE PRECISION,
	pnl          DOUBLE PRECISION,
	exit_reason  TEXT,
	lesson       TEXT,
	state_text   TEXT,
	embedding    vector(256)
)`

// NewPgMirror connects to Postgres and ensures the episodes schema
func NewPgMirror(ctx context.Context, connString string) (*PgMirror, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	mirror := &PgMirror{db: pool}
	if err := mirror.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Msg("Episode Postgres mirror ready")
	return mirror, nil
}

// NewPgMirrorWithDB wraps an existing connection (tests)
func NewPgMirrorWithDB(db PgxIface) *PgMirror {
	return &PgMirror{db: db}
}

func (m *PgMirror) ensureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(episodesSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := m.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure episodes schema: %w", err)
		}
	}
	return nil
}

// SaveEpisode upserts the episode row with its embedding
func (m *PgMirror) SaveEpisode(episode *Episode) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var pnl float64
	var exitReason string
	if episode.Outcome != nil {
		pnl = episode.Outcome.PnL
		exitReason = string(episode.Outcome.ExitReason)
	}

	_, err := m.db.Exec(ctx, `
		INSERT INTO episodes (episode_id, ts, symbol, venue, signal, agent_id,
			entry_price, quantity, confidence, pnl, exit_reason, lesson, state_text, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (episode_id) DO UPDATE SET
			pnl = EXCLUDED.pnl,
			exit_reason = EXCLUDED.exit_reason,
			lesson = EXCLUDED.lesson`,
		episode.EpisodeID, episode.Timestamp, episode.Symbol, episode.Venue,
		episode.Signal, episode.AgentID, episode.EntryPrice, episode.Quantity,
		episode.Confidence, pnl, exitReason, episode.Lesson,
		episode.MarketStateEmbedding, pgvector.NewVector(EmbedText(episode.MarketStateEmbedding)))
	if err != nil {
		return fmt.Errorf("failed to mirror episode %s: %w", episode.EpisodeID, err)
	}
	return nil
}

// SimilarEpisodeIDs returns episode IDs nearest to the state text by
// cosine distance
func (m *PgMirror) SimilarEpisodeIDs(ctx context.Context, stateText string, limit int) ([]string, error) {
	rows, err := m.db.Query(ctx,
		`SELECT episode_id FROM episodes ORDER BY embedding <=> $1 LIMIT $2`,
		pgvector.NewVector(EmbedText(stateText)), limit)
	if err != nil {
		return nil, fmt.Errorf("similarity query failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan episode id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the underlying pool
func (m *PgMirror) Close() {
	m.db.Close()
}

// EmbedText projects text into a fixed 256-dim vector by hashed token
// counts, L2-normalized. A stand-in for a learned embedding that keeps
// nearest-neighbor recall meaningful.
func EmbedText(text string) []float32 {
	vec := make([]float32, embeddingDims)
	for token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%embeddingDims]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
