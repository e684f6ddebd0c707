package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/facegate/internal/config"
	"github.com/your-org/facegate/internal/models"
)

// ErrDuplicateKey maps Postgres unique violations. Face-link identity
// uniqueness and the one-open-attendance-per-customer invariant both
// surface through it.
var ErrDuplicateKey = errors.New("duplicate key")

// ErrAlreadyClosed means a close raced with another scan that closed
// the record first.
var ErrAlreadyClosed = errors.New("attendance record already closed")

const uniqueViolation = "23505"

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.ConstraintName)
	}
	return err
}

// --- Customers ---

func (s *PostgresStore) GetCustomer(ctx context.Context, storeID, id uuid.UUID) (*models.Customer, error) {
	c := &models.Customer{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, store_id, name, COALESCE(card_code, ''), created_at, updated_at
		 FROM customers WHERE store_id = $1 AND id = $2`, storeID, id,
	).Scan(&c.ID, &c.StoreID, &c.Name, &c.CardCode, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetCustomerByCard(ctx context.Context, storeID uuid.UUID, cardCode string) (*models.Customer, error) {
	c := &models.Customer{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, store_id, name, COALESCE(card_code, ''), created_at, updated_at
		 FROM customers WHERE store_id = $1 AND card_code = $2`, storeID, cardCode,
	).Scan(&c.ID, &c.StoreID, &c.Name, &c.CardCode, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get customer by card: %w", err)
	}
	return c, nil
}

// --- Face links ---

func (s *PostgresStore) CreateFaceLink(ctx context.Context, link *models.FaceLink) error {
	link.ID = uuid.New()
	if link.Metadata == nil {
		link.Metadata = json.RawMessage("{}")
	}
	var vec *pgvector.Vector
	if len(link.Embedding) > 0 {
		v := pgvector.NewVector(link.Embedding)
		vec = &v
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO face_links (id, store_id, customer_id, external_id, face_id, metadata, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
		link.ID, link.StoreID, link.CustomerID, link.ExternalID, link.FaceID, link.Metadata, vec,
	).Scan(&link.CreatedAt)
	if err != nil {
		return fmt.Errorf("create face link: %w", mapPgErr(err))
	}
	return nil
}

func (s *PostgresStore) GetFaceLinkByExternalID(ctx context.Context, storeID uuid.UUID, externalID string) (*models.FaceLink, error) {
	link := &models.FaceLink{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, store_id, customer_id, external_id, face_id, metadata, created_at
		 FROM face_links WHERE store_id = $1 AND external_id = $2`, storeID, externalID,
	).Scan(&link.ID, &link.StoreID, &link.CustomerID, &link.ExternalID, &link.FaceID, &link.Metadata, &link.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get face link: %w", err)
	}
	return link, nil
}

func (s *PostgresStore) GetFaceLinkByCustomer(ctx context.Context, storeID, customerID uuid.UUID) (*models.FaceLink, error) {
	link := &models.FaceLink{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, store_id, customer_id, external_id, face_id, metadata, created_at
		 FROM face_links WHERE store_id = $1 AND customer_id = $2`, storeID, customerID,
	).Scan(&link.ID, &link.StoreID, &link.CustomerID, &link.ExternalID, &link.FaceID, &link.Metadata, &link.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get face link by customer: %w", err)
	}
	return link, nil
}

// FaceLinkMatch is a similarity hit from the duplicate-enrollment guard.
type FaceLinkMatch struct {
	CustomerID uuid.UUID `json:"customer_id"`
	ExternalID string    `json:"external_id"`
	Score      float32   `json:"score"`
}

// FindSimilarFaceLink returns the closest stored face-link embedding in
// the store above the threshold, or nil when none is close enough.
func (s *PostgresStore) FindSimilarFaceLink(ctx context.Context, storeID uuid.UUID, embedding []float32, threshold float64) (*FaceLinkMatch, error) {
	vec := pgvector.NewVector(embedding)

	m := &FaceLinkMatch{}
	err := s.pool.QueryRow(ctx,
		`SELECT customer_id, external_id, 1 - (embedding <=> $1) AS score
		 FROM face_links
		 WHERE store_id = $2 AND embedding IS NOT NULL
		   AND 1 - (embedding <=> $1) >= $3
		 ORDER BY embedding <=> $1
		 LIMIT 1`, vec, storeID, threshold,
	).Scan(&m.CustomerID, &m.ExternalID, &m.Score)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find similar face link: %w", err)
	}
	return m, nil
}

// --- Attendance ---

func (s *PostgresStore) GetOpenAttendance(ctx context.Context, storeID, customerID uuid.UUID) (*models.AttendanceRecord, error) {
	rec := &models.AttendanceRecord{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, store_id, customer_id, checked_in_at, checked_out_at, check_in_method, COALESCE(check_out_method, ''), note
		 FROM attendance
		 WHERE store_id = $1 AND customer_id = $2 AND checked_out_at IS NULL`,
		storeID, customerID,
	).Scan(&rec.ID, &rec.StoreID, &rec.CustomerID, &rec.CheckedInAt, &rec.CheckedOutAt,
		&rec.CheckInMethod, &rec.CheckOutMethod, &rec.Note)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get open attendance: %w", err)
	}
	return rec, nil
}

// OpenAttendance inserts a new open record. The partial unique index on
// (store_id, customer_id) WHERE checked_out_at IS NULL makes two
// near-simultaneous scans of the same customer collide here instead of
// producing two open sessions.
func (s *PostgresStore) OpenAttendance(ctx context.Context, rec *models.AttendanceRecord) error {
	rec.ID = uuid.New()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO attendance (id, store_id, customer_id, checked_in_at, check_in_method, note)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING checked_in_at`,
		rec.ID, rec.StoreID, rec.CustomerID, rec.CheckedInAt, rec.CheckInMethod, rec.Note,
	).Scan(&rec.CheckedInAt)
	if err != nil {
		return fmt.Errorf("open attendance: %w", mapPgErr(err))
	}
	return nil
}

// CloseAttendance sets the check-out timestamp on a still-open record.
// Closing a record that a racing scan already closed affects zero rows
// and reports ErrAlreadyClosed.
func (s *PostgresStore) CloseAttendance(ctx context.Context, id uuid.UUID, method models.EntryMethod, note string, at time.Time) (*models.AttendanceRecord, error) {
	rec := &models.AttendanceRecord{}
	err := s.pool.QueryRow(ctx,
		`UPDATE attendance
		 SET checked_out_at = $1, check_out_method = $2, note = $3
		 WHERE id = $4 AND checked_out_at IS NULL
		 RETURNING id, store_id, customer_id, checked_in_at, checked_out_at, check_in_method, check_out_method, note`,
		at, method, note, id,
	).Scan(&rec.ID, &rec.StoreID, &rec.CustomerID, &rec.CheckedInAt, &rec.CheckedOutAt,
		&rec.CheckInMethod, &rec.CheckOutMethod, &rec.Note)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("attendance record %s: %w", id, ErrAlreadyClosed)
		}
		return nil, fmt.Errorf("close attendance: %w", err)
	}
	return rec, nil
}

// ListOpenAttendance returns everyone currently checked in at a store,
// most recent first.
func (s *PostgresStore) ListOpenAttendance(ctx context.Context, storeID uuid.UUID, limit int) ([]models.AttendanceRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, store_id, customer_id, checked_in_at, checked_out_at, check_in_method, COALESCE(check_out_method, ''), note
		 FROM attendance
		 WHERE store_id = $1 AND checked_out_at IS NULL
		 ORDER BY checked_in_at DESC LIMIT $2`,
		storeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list open attendance: %w", err)
	}
	defer rows.Close()

	var records []models.AttendanceRecord
	for rows.Next() {
		var rec models.AttendanceRecord
		if err := rows.Scan(&rec.ID, &rec.StoreID, &rec.CustomerID, &rec.CheckedInAt, &rec.CheckedOutAt,
			&rec.CheckInMethod, &rec.CheckOutMethod, &rec.Note); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *PostgresStore) ListAttendance(ctx context.Context, storeID, customerID uuid.UUID, limit int) ([]models.AttendanceRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, store_id, customer_id, checked_in_at, checked_out_at, check_in_method, COALESCE(check_out_method, ''), note
		 FROM attendance
		 WHERE store_id = $1 AND customer_id = $2
		 ORDER BY checked_in_at DESC LIMIT $3`,
		storeID, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	defer rows.Close()

	var records []models.AttendanceRecord
	for rows.Next() {
		var rec models.AttendanceRecord
		if err := rows.Scan(&rec.ID, &rec.StoreID, &rec.CustomerID, &rec.CheckedInAt, &rec.CheckedOutAt,
			&rec.CheckInMethod, &rec.CheckOutMethod, &rec.Note); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
