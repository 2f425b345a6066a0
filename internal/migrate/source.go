package migrate

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Asset is one binary attachment of a source course.
type Asset struct {
	Name string
	Data []byte
}

// Course is the fetched shape of one source record.
type Course struct {
	ID        string
	Title     string
	ItemCount int
	Assets    []Asset
}

// Source is the externally-ordered record set the migration walks. ListIDs
// returns ids strictly after afterID in source order; a page shorter than
// limit signals the end of the listing.
type Source interface {
	ListIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	Fetch(ctx context.Context, id string) (Course, error)
}

// PostgresSource reads legacy course rows out of the source system's tables.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource connects to the legacy schema.
func NewPostgresSource(ctx context.Context, dsn string) (*PostgresSource, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse source dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect source: %w", err)
	}
	return &PostgresSource{pool: pool}, nil
}

func (s *PostgresSource) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresSource) ListIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM legacy_courses
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list course ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan course id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresSource) Fetch(ctx context.Context, id string) (Course, error) {
	course := Course{ID: id}

	err := s.pool.QueryRow(ctx, `
		SELECT c.title, COUNT(i.id)
		FROM legacy_courses c
		LEFT JOIN legacy_course_items i ON i.course_id = c.id
		WHERE c.id = $1
		GROUP BY c.title
	`, id).Scan(&course.Title, &course.ItemCount)
	if err != nil {
		return Course{}, fmt.Errorf("fetch course %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT filename, content FROM legacy_course_assets
		WHERE course_id = $1
		ORDER BY filename ASC
	`, id)
	if err != nil {
		return Course{}, fmt.Errorf("fetch course assets %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.Name, &a.Data); err != nil {
			return Course{}, fmt.Errorf("scan course asset: %w", err)
		}
		course.Assets = append(course.Assets, a)
	}
	return course, rows.Err()
}
