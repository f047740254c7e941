package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/callyx/pkg/provider/embeddings"
)

// semanticTopK is how many nearest passages a retrieval pulls before the
// budget cut.
const semanticTopK = 12

// Compile-time interface check.
var _ Retriever = (*SemanticIndex)(nil)

// SemanticIndex is the pgvector-backed retriever. Passages are embedded once
// at indexing time and retrieved by cosine distance against the embedded
// objective. It satisfies the same [Retriever] contract as [Keyword], so the
// rest of the system does not care which one is wired.
//
// All operations are safe for concurrent use.
type SemanticIndex struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// NewSemanticIndex connects to the database at dsn, registers pgvector types
// on every connection, and ensures the passages table exists with the
// embedder's dimensionality.
func NewSemanticIndex(ctx context.Context, dsn string, embedder embeddings.Provider) (*SemanticIndex, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("knowledge: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge: ping: %w", err)
	}

	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS knowledge_passages (
    id         TEXT        PRIMARY KEY,
    source     TEXT        NOT NULL,
    content    TEXT        NOT NULL,
    embedding  vector(%d),
    model_id   TEXT        NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_knowledge_embedding
    ON knowledge_passages USING hnsw (embedding vector_cosine_ops);
`, embedder.Dimensions())

	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge: migrate: %w", err)
	}

	return &SemanticIndex{pool: pool, embedder: embedder}, nil
}

// IndexDir embeds every paragraph of the .txt/.md files under dir and upserts
// them. Passage ids are stable (file name plus position), so re-indexing an
// unchanged directory is idempotent.
func (s *SemanticIndex) IndexDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("knowledge: read dir %q: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".txt" && ext != ".md" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("knowledge: read %q: %w", entry.Name(), err)
		}
		source := strings.TrimSuffix(entry.Name(), ext)
		paras := splitParagraphs(string(data))
		if len(paras) == 0 {
			continue
		}

		vecs, err := s.embedder.EmbedBatch(ctx, paras)
		if err != nil {
			return fmt.Errorf("knowledge: embed %q: %w", entry.Name(), err)
		}

		const q = `
			INSERT INTO knowledge_passages (id, source, content, embedding, model_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
			    source    = EXCLUDED.source,
			    content   = EXCLUDED.content,
			    embedding = EXCLUDED.embedding,
			    model_id  = EXCLUDED.model_id`

		for i, para := range paras {
			id := fmt.Sprintf("%s#%d", source, i)
			if _, err := s.pool.Exec(ctx, q, id, source, para, pgvector.NewVector(vecs[i]), s.embedder.ModelID()); err != nil {
				return fmt.Errorf("knowledge: index passage %s: %w", id, err)
			}
		}
	}
	return nil
}

// Retrieve implements [Retriever]: embed the objective, pull the nearest
// passages, and format them under source headers within the budget.
func (s *SemanticIndex) Retrieve(ctx context.Context, objective string) (string, error) {
	objective = strings.TrimSpace(objective)
	if objective == "" {
		return "", nil
	}

	vec, err := s.embedder.Embed(ctx, objective)
	if err != nil {
		return "", fmt.Errorf("knowledge: embed objective: %w", err)
	}

	const q = `
		SELECT source, content
		FROM   knowledge_passages
		ORDER  BY embedding <=> $1
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), semanticTopK)
	if err != nil {
		return "", fmt.Errorf("knowledge: search: %w", err)
	}

	order := 0
	passages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (passage, error) {
		var p passage
		if err := row.Scan(&p.source, &p.text); err != nil {
			return passage{}, err
		}
		p.order = order
		order++
		return p, nil
	})
	if err != nil {
		return "", fmt.Errorf("knowledge: scan rows: %w", err)
	}
	if len(passages) == 0 {
		return "", nil
	}
	return format(passages, CharBudget), nil
}

// Close releases the connection pool.
func (s *SemanticIndex) Close() error {
	s.pool.Close()
	return nil
}
