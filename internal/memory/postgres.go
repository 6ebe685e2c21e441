package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps memories in a pgvector-enabled Postgres table.
type PostgresStore struct {
	db         *pgxpool.Pool
	embedder   Embedder
	dimensions int
}

// NewPostgresStore connects to Postgres and returns a store. Call
// EnsureSchema before first use on a fresh database.
func NewPostgresStore(ctx context.Context, dsn string, embedder Embedder, dimensions int) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: postgres: connect: %w", err)
	}
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &PostgresStore{db: db, embedder: embedder, dimensions: dimensions}, nil
}

// EnsureSchema creates the vector extension, the memories table and its
// user index.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			embedding  vector(%d) NOT NULL
		)`, p.dimensions),
		`CREATE INDEX IF NOT EXISTS memories_user_idx ON memories (user_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("memory: postgres: schema: %w", err)
		}
	}
	return nil
}

// Search implements Store. Scores are cosine similarity.
func (p *PostgresStore) Search(ctx context.Context, userID, text string, topK int) ([]Item, error) {
	vec, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.Query(ctx, `
		SELECT id, content, created_at, 1 - (embedding <=> $2::vector) AS score
		FROM memories
		WHERE user_id = $1
		ORDER BY embedding <=> $2::vector
		LIMIT $3`, userID, vectorLiteral(vec), topK)
	if err != nil {
		return nil, fmt.Errorf("memory: postgres: search: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it := Item{UserID: userID}
		if err := rows.Scan(&it.ID, &it.Text, &it.Timestamp, &it.Score); err != nil {
			return nil, fmt.Errorf("memory: postgres: scan: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: postgres: search: %w", err)
	}
	return items, nil
}

// Upsert implements Store.
func (p *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	vec, err := p.embedder.Embed(ctx, rec.Text)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO memories (id, user_id, content, created_at, embedding)
		VALUES ($1, $2, $3, $4, $5::vector)
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding`,
		rec.ID, rec.UserID, rec.Text, rec.Timestamp, vectorLiteral(vec))
	if err != nil {
		return fmt.Errorf("memory: postgres: upsert: %w", err)
	}
	return nil
}

// Delete implements Store.
func (p *PostgresStore) Delete(ctx context.Context, userID string, before time.Time) (int, error) {
	var (
		sql  = `DELETE FROM memories WHERE user_id = $1`
		args = []any{userID}
	)
	if !before.IsZero() {
		sql += ` AND created_at < $2`
		args = append(args, before)
	}
	tag, err := p.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("memory: postgres: delete: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Count implements Store.
func (p *PostgresStore) Count(ctx context.Context, userID string) (int, error) {
	var n int
	if err := p.db.QueryRow(ctx, `SELECT count(*) FROM memories WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("memory: postgres: count: %w", err)
	}
	return n, nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() {
	p.db.Close()
}

// vectorLiteral renders v in pgvector's text input format, e.g. "[0.1,0.2]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
