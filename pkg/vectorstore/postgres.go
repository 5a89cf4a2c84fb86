package vectorstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresConfig struct {
	DSN        string
	Table      string
	Dimensions int

	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
}

// PostgresIndex stores embeddings in a pgvector column and ranks with the cosine operator.
type PostgresIndex struct {
	db    *sql.DB
	table string
}

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// OpenPostgresIndex connects, verifies connectivity and creates the extension and table.
func OpenPostgresIndex(ctx context.Context, cfg PostgresConfig) (*PostgresIndex, error) {
	if cfg.DSN == "" {
		return nil, utils.WrapIfNotNil(errors.New("postgres DSN is required"))
	}
	if cfg.Table == "" {
		cfg.Table = "book_embeddings"
	}
	if !tableNamePattern.MatchString(cfg.Table) {
		return nil, utils.WrapIfNotNil(fmt.Errorf("invalid table name %q", cfg.Table))
	}
	if cfg.Dimensions <= 0 {
		return nil, utils.WrapIfNotNil(errors.New("embedding dimensions are required"))
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, utils.WrapIfNotNil(err, "open postgres")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLife > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLife)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, utils.WrapIfNotNil(err, "ping postgres")
	}

	idx := &PostgresIndex{db: db, table: cfg.Table}
	if err := idx.ensureSchema(ctx, cfg.Dimensions); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (p *PostgresIndex) ensureSchema(ctx context.Context, dims int) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			document TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		)`, p.table, dims),
	}
	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return utils.WrapIfNotNil(err, "ensure schema")
		}
	}
	return nil
}

func (p *PostgresIndex) Search(ctx context.Context, embedding []float64, k int) ([]Hit, error) {
	if len(embedding) == 0 {
		return nil, utils.WrapIfNotNil(errors.New("query embedding is empty"))
	}
	query := fmt.Sprintf(
		`SELECT id, title, embedding <=> $1::vector AS distance FROM %s ORDER BY distance ASC, id ASC LIMIT $2`,
		p.table,
	)
	rows, err := p.db.QueryContext(ctx, query, vectorLiteral(embedding), k)
	if err != nil {
		return nil, utils.WrapIfNotNil(err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var hit Hit
		if err := rows.Scan(&hit.ID, &hit.Title, &hit.Distance); err != nil {
			return nil, utils.WrapIfNotNil(err)
		}
		hits = append(hits, hit)
	}
	return hits, utils.WrapIfNotNil(rows.Err())
}

func (p *PostgresIndex) Upsert(ctx context.Context, docs []Document) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.WrapIfNotNil(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt := fmt.Sprintf(`INSERT INTO %s (id, title, document, embedding) VALUES ($1, $2, $3, $4::vector)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, document = EXCLUDED.document, embedding = EXCLUDED.embedding`, p.table)
	for _, doc := range docs {
		if _, err := tx.ExecContext(ctx, stmt, doc.ID, doc.Title, doc.Text, vectorLiteral(doc.Embedding)); err != nil {
			return utils.WrapIfNotNil(err, doc.ID)
		}
	}
	return utils.WrapIfNotNil(tx.Commit())
}

func (p *PostgresIndex) Count(ctx context.Context) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p.table)).Scan(&count)
	return count, utils.WrapIfNotNil(err)
}

func (p *PostgresIndex) Reset(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`TRUNCATE %s`, p.table))
	return utils.WrapIfNotNil(err)
}

func (p *PostgresIndex) Close() error {
	return utils.WrapIfNotNil(p.db.Close())
}

// vectorLiteral renders the pgvector text form "[0.1,0.2,...]".
func vectorLiteral(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
