// Package repository handles data persistence.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/searchgate/searchgate/internal/database"
	"github.com/searchgate/searchgate/internal/models"
)

// pgUniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures.
const pgUniqueViolation = "23505"

// ErrDuplicateKey is returned when a generated key collides with an existing hash.
var ErrDuplicateKey = errors.New("api key already exists")

// APIKeyRepository defines API key persistence operations.
type APIKeyRepository interface {
	// Create stores a new key under the generated hash.
	Create(ctx context.Context, create *models.APIKeyCreate, key models.GeneratedKey) (*models.APIKey, error)

	// GetByHash retrieves a key by the SHA-256 of its secret.
	GetByHash(ctx context.Context, hash string) (*models.APIKey, error)

	// TouchLastUsed records when keys were last seen.
	TouchLastUsed(ctx context.Context, ids []string, at time.Time) error

	// Deactivate disables a key and returns its final state.
	Deactivate(ctx context.Context, id string) (*models.APIKey, error)

	// HealthCheck verifies the repository is healthy.
	HealthCheck(ctx context.Context) error
}

// PostgresAPIKeyRepository implements APIKeyRepository using PostgreSQL.
type PostgresAPIKeyRepository struct {
	pool *database.Pool
}

// NewPostgresAPIKeyRepository creates a PostgreSQL-backed API key repository.
func NewPostgresAPIKeyRepository(pool *database.Pool) *PostgresAPIKeyRepository {
	return &PostgresAPIKeyRepository{pool: pool}
}

const apiKeyColumns = `id, key_hash, key_prefix, owner_id, name, tier, active, created_at, expires_at, last_used_at`

func scanAPIKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	err := row.Scan(
		&k.ID,
		&k.KeyHash,
		&k.KeyPrefix,
		&k.OwnerID,
		&k.Name,
		&k.Tier,
		&k.Active,
		&k.CreatedAt,
		&k.ExpiresAt,
		&k.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// Create stores a new API key.
func (r *PostgresAPIKeyRepository) Create(ctx context.Context, create *models.APIKeyCreate, key models.GeneratedKey) (*models.APIKey, error) {
	if err := create.Validate(); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO api_keys (id, key_hash, key_prefix, owner_id, name, tier, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + apiKeyColumns

	k, err := scanAPIKey(r.pool.QueryRow(ctx, query,
		key.ID, key.Hash, key.Prefix, create.OwnerID, create.Name, create.Tier, create.ExpiresAt))
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}
	return k, nil
}

// GetByHash retrieves an API key by hash.
func (r *PostgresAPIKeyRepository) GetByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash = $1`

	k, err := scanAPIKey(r.pool.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return k, nil
}

// TouchLastUsed sets last_used_at for every id in one statement.
func (r *PostgresAPIKeyRepository) TouchLastUsed(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	query := `UPDATE api_keys SET last_used_at = $2 WHERE id = ANY($1::uuid[])`
	if _, err := r.pool.Exec(ctx, query, ids, at); err != nil {
		return fmt.Errorf("failed to touch api keys: %w", err)
	}
	return nil
}

// Deactivate disables a key.
func (r *PostgresAPIKeyRepository) Deactivate(ctx context.Context, id string) (*models.APIKey, error) {
	query := `UPDATE api_keys SET active = FALSE WHERE id = $1 RETURNING ` + apiKeyColumns

	k, err := scanAPIKey(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to deactivate api key: %w", err)
	}
	return k, nil
}

// HealthCheck verifies the database connection.
func (r *PostgresAPIKeyRepository) HealthCheck(ctx context.Context) error {
	return r.pool.HealthCheck(ctx)
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
