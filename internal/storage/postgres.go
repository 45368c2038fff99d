package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/ilyas-assylbekov/sergek/internal/models"
)

// PostgresStore indexes jobs, detections and described evidence in PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

// NewPostgresStore connects to the database at connString
func NewPostgresStore(ctx context.Context, connString string, dim int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, dim: dim}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func schemaSQL(dim int) string {
	return fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS jobs (
            id TEXT NOT NULL,
            filename VARCHAR(255) PRIMARY KEY,
            original_filename VARCHAR(255) NOT NULL DEFAULT '',
            status VARCHAR(16) NOT NULL,
            error TEXT NOT NULL DEFAULT '',
            frames_processed INTEGER NOT NULL DEFAULT 0,
            detections INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMPTZ NOT NULL,
            started_at TIMESTAMPTZ,
            completed_at TIMESTAMPTZ
        );

        CREATE TABLE IF NOT EXISTS detections (
            id SERIAL PRIMARY KEY,
            filename VARCHAR(255) REFERENCES jobs(filename) ON DELETE CASCADE,
            seq INTEGER NOT NULL,
            frame INTEGER NOT NULL,
            x1 INTEGER NOT NULL,
            y1 INTEGER NOT NULL,
            x2 INTEGER NOT NULL,
            y2 INTEGER NOT NULL,
            fps DOUBLE PRECISION NOT NULL,
            UNIQUE(filename, seq)
        );

        CREATE TABLE IF NOT EXISTS evidence (
            id SERIAL PRIMARY KEY,
            filename VARCHAR(255) REFERENCES jobs(filename) ON DELETE CASCADE,
            rank INTEGER NOT NULL,
            frame INTEGER NOT NULL,
            timestamp DOUBLE PRECISION NOT NULL,
            confidence DOUBLE PRECISION NOT NULL,
            bbox TEXT NOT NULL,
            file VARCHAR(255) NOT NULL,
            description TEXT NOT NULL DEFAULT '',
            embedding vector(%d),
            UNIQUE(filename, rank)
        );
    `, dim)
}

// InitSchema creates the database schema if it doesn't exist
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	if _, err := s.pool.Exec(ctx, schemaSQL(s.dim)); err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err := s.pool.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_detections_filename ON detections(filename);
        CREATE INDEX IF NOT EXISTS idx_evidence_filename ON evidence(filename);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// SaveJob inserts or updates the row of job
func (s *PostgresStore) SaveJob(ctx context.Context, job models.Job) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO jobs
        (id, filename, original_filename, status, error, frames_processed, detections, created_at, started_at, completed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (filename) DO UPDATE SET
            id = EXCLUDED.id,
            status = EXCLUDED.status,
            error = EXCLUDED.error,
            frames_processed = EXCLUDED.frames_processed,
            detections = EXCLUDED.detections,
            started_at = EXCLUDED.started_at,
            completed_at = EXCLUDED.completed_at`,
		job.ID, job.Filename, job.OriginalFilename, string(job.Status), job.Error,
		job.FramesProcessed, job.Detections, job.CreatedAt,
		nullTime(job.StartedAt), nullTime(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.Filename, err)
	}
	return nil
}

// SaveDetections replaces the detections stored for filename
func (s *PostgresStore) SaveDetections(ctx context.Context, filename string, records []models.DetectionRecord) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM detections WHERE filename = $1", filename); err != nil {
			return fmt.Errorf("failed to clear detections: %w", err)
		}

		batch := &pgx.Batch{}
		for i, r := range records {
			batch.Queue(`INSERT INTO detections (filename, seq, frame, x1, y1, x2, y2, fps)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				filename, i, r.Frame, r.Box.X1, r.Box.Y1, r.Box.X2, r.Box.Y2, r.FPS)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to store detections: %w", err)
		}
		return nil
	})
}

func embeddingArg(emb []float32) any {
	if len(emb) == 0 {
		return nil
	}
	return pgvector.NewVector(emb)
}

// SaveEvidence replaces the evidence stored for filename. embeddings is
// indexed like entries; missing or empty vectors are stored as NULL.
func (s *PostgresStore) SaveEvidence(ctx context.Context, filename string, entries []models.EvidenceEntry, embeddings [][]float32) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM evidence WHERE filename = $1", filename); err != nil {
			return fmt.Errorf("failed to clear evidence: %w", err)
		}

		batch := &pgx.Batch{}
		for i, e := range entries {
			var emb []float32
			if i < len(embeddings) {
				emb = embeddings[i]
			}
			batch.Queue(`INSERT INTO evidence
                (filename, rank, frame, timestamp, confidence, bbox, file, description, embedding)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				filename, e.Rank, e.Frame, e.Timestamp, e.Confidence, e.Box.String(), e.File, e.Description, embeddingArg(emb))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to store evidence: %w", err)
		}
		return nil
	})
}

// SearchEvidence finds the described evidence closest to the query embedding
func (s *PostgresStore) SearchEvidence(ctx context.Context, query []float32, limit int) ([]models.EvidenceMatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT filename, rank, frame, timestamp, confidence, file, description,
        1 - (embedding <=> $1) AS similarity
        FROM evidence
        WHERE embedding IS NOT NULL
        ORDER BY embedding <=> $1
        LIMIT $2`,
		pgvector.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search evidence: %w", err)
	}
	defer rows.Close()

	var results []models.EvidenceMatch
	for rows.Next() {
		var m models.EvidenceMatch
		if err := rows.Scan(&m.Filename, &m.Rank, &m.Frame, &m.Timestamp,
			&m.Confidence, &m.File, &m.Description, &m.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		results = append(results, m)
	}

	return results, rows.Err()
}
