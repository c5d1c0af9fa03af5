// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"photomesh/internal/apperr"
	"photomesh/internal/models"
)

type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // For migrations
}

func NewStorage(dsn string) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

func (s *Storage) CreateUpload(ctx context.Context, u *models.Upload) error {
	const op = "storage.CreateUpload"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO uploads (id, owner, image_url, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Owner, u.ImageURL, u.Status, u.CreatedAt, u.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

func (s *Storage) GetUpload(ctx context.Context, id uuid.UUID) (*models.Upload, error) {
	const op = "storage.GetUpload"
	var u models.Upload
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner, image_url, status, created_at, expires_at
		 FROM uploads WHERE id = $1`,
		id).Scan(&u.ID, &u.Owner, &u.ImageURL, &u.Status, &u.CreatedAt, &u.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("upload %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return &u, nil
}

// UpdateUploadStatus moves an upload forward. Rows already in a terminal
// state are left untouched so a late writer cannot regress completed or
// failed uploads.
func (s *Storage) UpdateUploadStatus(ctx context.Context, id uuid.UUID, status models.UploadStatus) error {
	const op = "storage.UpdateUploadStatus"
	tag, err := s.pool.Exec(ctx,
		`UPDATE uploads SET status = $2
		 WHERE id = $1 AND status IN ('pending', 'processing')`,
		id, status)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: upload %s not updatable", op, id)
	}
	return nil
}

func (s *Storage) CreateModel(ctx context.Context, m *models.Model) error {
	const op = "storage.CreateModel"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO models (id, upload_id, model_url, format, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.UploadID, m.ModelURL, m.Format, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

func (s *Storage) ModelsForUpload(ctx context.Context, uploadID uuid.UUID) ([]models.Model, error) {
	const op = "storage.ModelsForUpload"
	return s.queryModels(ctx, op,
		`SELECT id, upload_id, model_url, format, created_at
		 FROM models WHERE upload_id = $1 ORDER BY created_at`, uploadID)
}

// ExpiredUploads returns uploads whose expires_at has passed. Uploads
// without an expiry are kept forever.
func (s *Storage) ExpiredUploads(ctx context.Context, now time.Time) ([]models.Upload, error) {
	const op = "storage.ExpiredUploads"
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, image_url, status, created_at, expires_at
		 FROM uploads WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	defer rows.Close()

	var uploads []models.Upload
	for rows.Next() {
		var u models.Upload
		if err := rows.Scan(&u.ID, &u.Owner, &u.ImageURL, &u.Status, &u.CreatedAt, &u.ExpiresAt); err != nil {
			return nil, fmt.Errorf("%s: %v", op, err)
		}
		uploads = append(uploads, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return uploads, nil
}

func (s *Storage) ModelsForUploads(ctx context.Context, ids []uuid.UUID) ([]models.Model, error) {
	const op = "storage.ModelsForUploads"
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryModels(ctx, op,
		`SELECT id, upload_id, model_url, format, created_at
		 FROM models WHERE upload_id = ANY($1)`, ids)
}

// DeleteUploads removes upload rows; model rows go with them via the
// ON DELETE CASCADE constraint.
func (s *Storage) DeleteUploads(ctx context.Context, ids []uuid.UUID) (int64, error) {
	const op = "storage.DeleteUploads"
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM uploads WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", op, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Storage) queryModels(ctx context.Context, op, query string, arg any) ([]models.Model, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	defer rows.Close()

	var out []models.Model
	for rows.Next() {
		var m models.Model
		if err := rows.Scan(&m.ID, &m.UploadID, &m.ModelURL, &m.Format, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %v", op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return out, nil
}
