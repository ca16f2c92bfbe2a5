package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/db"
	"github.com/wheelhouse-ai/wheelhouse/internal/db/dialect"
)

// Seed values used when the catalog is empty. The local endpoint matches
// the default LM Studio / llama.cpp listen address.
const (
	seedEndpointName = "local"
	seedEndpointURL  = "http://localhost:1234/v1"
	seedModelName    = "claude-sonnet-4-20250514"
)

// ErrNotFound is returned when a named endpoint or model does not exist.
var ErrNotFound = errors.New("settings record not found")

// Repository provides the endpoint/model catalog over the shared database
// pool. Works against SQLite (WAL writer/reader split) and PostgreSQL.
type Repository struct {
	pool   *db.Pool
	driver string
	logger *logger.Logger
}

// NewRepository creates the catalog repository, initializing the schema and
// seeding the default endpoint and model when the catalog is empty.
func NewRepository(pool *db.Pool, driver string, log *logger.Logger) (*Repository, error) {
	r := &Repository{
		pool:   pool,
		driver: driver,
		logger: log.WithFields(zap.String("component", "settings")),
	}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize settings schema: %w", err)
	}
	if err := r.seedDefaults(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to seed settings defaults: %w", err)
	}
	return r, nil
}

// rebind converts ?-style placeholders to the driver's native form.
func (r *Repository) rebind(query string) string {
	return r.pool.Writer().Rebind(query)
}

// initSchema creates the catalog tables if they don't exist.
func (r *Repository) initSchema() error {
	_, err := r.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS endpoints (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		base_url TEXT NOT NULL DEFAULT '',
		api_key TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		is_default INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS models (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		endpoint_name TEXT NOT NULL DEFAULT '',
		max_tokens INTEGER NOT NULL DEFAULT 0,
		max_thinking_tokens INTEGER NOT NULL DEFAULT 0,
		is_default INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_models_endpoint_name ON models(endpoint_name);
	`)
	return err
}

// seedDefaults inserts the local endpoint and default model when the
// catalog holds no records at all.
func (r *Repository) seedDefaults(ctx context.Context) error {
	var endpoints int
	if err := r.pool.Reader().QueryRowContext(ctx, `SELECT COUNT(*) FROM endpoints`).Scan(&endpoints); err != nil {
		return err
	}
	if endpoints == 0 {
		ep := &Endpoint{
			Name:      seedEndpointName,
			BaseURL:   seedEndpointURL,
			Provider:  "local",
			IsDefault: true,
		}
		if err := r.CreateEndpoint(ctx, ep); err != nil {
			return err
		}
		r.logger.Info("Seeded default endpoint",
			zap.String("name", ep.Name),
			zap.String("base_url", ep.BaseURL))
	}

	var models int
	if err := r.pool.Reader().QueryRowContext(ctx, `SELECT COUNT(*) FROM models`).Scan(&models); err != nil {
		return err
	}
	if models == 0 {
		m := &Model{
			Name:         seedModelName,
			EndpointName: seedEndpointName,
			IsDefault:    true,
		}
		if err := r.CreateModel(ctx, m); err != nil {
			return err
		}
		r.logger.Info("Seeded default model", zap.String("name", m.Name))
	}
	return nil
}

// CreateEndpoint inserts a new endpoint. When IsDefault is set, the default
// flag is cleared on all other endpoints first.
func (r *Repository) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	if ep.Name == "" {
		return errors.New("endpoint name is required")
	}
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	ep.CreatedAt = now
	ep.UpdatedAt = now

	if ep.IsDefault {
		if _, err := r.pool.Writer().ExecContext(ctx,
			`UPDATE endpoints SET is_default = 0, updated_at = `+dialect.Now(r.driver)+` WHERE is_default = 1`); err != nil {
			return err
		}
	}
	_, err := r.pool.Writer().ExecContext(ctx, r.rebind(`
		INSERT INTO endpoints (id, name, base_url, api_key, provider, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), ep.ID, ep.Name, ep.BaseURL, ep.APIKey, ep.Provider, dialect.BoolToInt(ep.IsDefault), ep.CreatedAt, ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create endpoint %q: %w", ep.Name, err)
	}
	return nil
}

// GetEndpointByName retrieves an endpoint by its unique name.
func (r *Repository) GetEndpointByName(ctx context.Context, name string) (*Endpoint, error) {
	ep := &Endpoint{}
	var isDefault int
	err := r.pool.Reader().QueryRowContext(ctx, r.rebind(`
		SELECT id, name, base_url, api_key, provider, is_default, created_at, updated_at
		FROM endpoints WHERE name = ?
	`), name).Scan(&ep.ID, &ep.Name, &ep.BaseURL, &ep.APIKey, &ep.Provider, &isDefault, &ep.CreatedAt, &ep.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("endpoint %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	ep.IsDefault = isDefault == 1
	return ep, nil
}

// DefaultEndpoint returns the endpoint flagged as default, or the oldest
// endpoint when none carries the flag.
func (r *Repository) DefaultEndpoint(ctx context.Context) (*Endpoint, error) {
	ep := &Endpoint{}
	var isDefault int
	err := r.pool.Reader().QueryRowContext(ctx, `
		SELECT id, name, base_url, api_key, provider, is_default, created_at, updated_at
		FROM endpoints ORDER BY is_default DESC, created_at ASC LIMIT 1
	`).Scan(&ep.ID, &ep.Name, &ep.BaseURL, &ep.APIKey, &ep.Provider, &isDefault, &ep.CreatedAt, &ep.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no endpoints configured: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	ep.IsDefault = isDefault == 1
	return ep, nil
}

// ListEndpoints returns all endpoints ordered by creation time.
func (r *Repository) ListEndpoints(ctx context.Context) ([]*Endpoint, error) {
	rows, err := r.pool.Reader().QueryContext(ctx, `
		SELECT id, name, base_url, api_key, provider, is_default, created_at, updated_at
		FROM endpoints ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Endpoint
	for rows.Next() {
		ep := &Endpoint{}
		var isDefault int
		if err := rows.Scan(&ep.ID, &ep.Name, &ep.BaseURL, &ep.APIKey, &ep.Provider, &isDefault, &ep.CreatedAt, &ep.UpdatedAt); err != nil {
			return nil, err
		}
		ep.IsDefault = isDefault == 1
		result = append(result, ep)
	}
	return result, rows.Err()
}

// CreateModel inserts a new model. When IsDefault is set, the default flag
// is cleared on all other models first.
func (r *Repository) CreateModel(ctx context.Context, m *Model) error {
	if m.Name == "" {
		return errors.New("model name is required")
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	if m.IsDefault {
		if _, err := r.pool.Writer().ExecContext(ctx,
			`UPDATE models SET is_default = 0, updated_at = `+dialect.Now(r.driver)+` WHERE is_default = 1`); err != nil {
			return err
		}
	}
	_, err := r.pool.Writer().ExecContext(ctx, r.rebind(`
		INSERT INTO models (id, name, endpoint_name, max_tokens, max_thinking_tokens, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), m.ID, m.Name, m.EndpointName, m.MaxTokens, m.MaxThinkingTokens, dialect.BoolToInt(m.IsDefault), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create model %q: %w", m.Name, err)
	}
	return nil
}

// GetModelByName retrieves a model by its unique name.
func (r *Repository) GetModelByName(ctx context.Context, name string) (*Model, error) {
	m := &Model{}
	var isDefault int
	err := r.pool.Reader().QueryRowContext(ctx, r.rebind(`
		SELECT id, name, endpoint_name, max_tokens, max_thinking_tokens, is_default, created_at, updated_at
		FROM models WHERE name = ?
	`), name).Scan(&m.ID, &m.Name, &m.EndpointName, &m.MaxTokens, &m.MaxThinkingTokens, &isDefault, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	m.IsDefault = isDefault == 1
	return m, nil
}

// DefaultModel returns the model flagged as default, or the oldest model
// when none carries the flag.
func (r *Repository) DefaultModel(ctx context.Context) (*Model, error) {
	m := &Model{}
	var isDefault int
	err := r.pool.Reader().QueryRowContext(ctx, `
		SELECT id, name, endpoint_name, max_tokens, max_thinking_tokens, is_default, created_at, updated_at
		FROM models ORDER BY is_default DESC, created_at ASC LIMIT 1
	`).Scan(&m.ID, &m.Name, &m.EndpointName, &m.MaxTokens, &m.MaxThinkingTokens, &isDefault, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no models configured: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	m.IsDefault = isDefault == 1
	return m, nil
}

// ListModels returns all models ordered by creation time.
func (r *Repository) ListModels(ctx context.Context) ([]*Model, error) {
	rows, err := r.pool.Reader().QueryContext(ctx, `
		SELECT id, name, endpoint_name, max_tokens, max_thinking_tokens, is_default, created_at, updated_at
		FROM models ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Model
	for rows.Next() {
		m := &Model{}
		var isDefault int
		if err := rows.Scan(&m.ID, &m.Name, &m.EndpointName, &m.MaxTokens, &m.MaxThinkingTokens, &isDefault, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.IsDefault = isDefault == 1
		result = append(result, m)
	}
	return result, rows.Err()
}

// Resolve turns optional endpoint/model names into the effective pair for a
// query. An explicit model name that is not cataloged is still honored (the
// agent may know models the catalog doesn't); an explicit endpoint name that
// is not cataloged falls back to the default with a warning. When the model
// pins an endpoint and the caller named none, the pinned endpoint wins.
func (r *Repository) Resolve(ctx context.Context, endpointName, modelName string) (*Endpoint, *Model, error) {
	var model *Model
	if modelName != "" {
		m, err := r.GetModelByName(ctx, modelName)
		switch {
		case err == nil:
			model = m
		case errors.Is(err, ErrNotFound):
			model = &Model{Name: modelName}
		default:
			return nil, nil, err
		}
	} else {
		m, err := r.DefaultModel(ctx)
		if err != nil {
			return nil, nil, err
		}
		model = m
	}

	if endpointName == "" && model.EndpointName != "" {
		endpointName = model.EndpointName
	}

	var endpoint *Endpoint
	if endpointName != "" {
		ep, err := r.GetEndpointByName(ctx, endpointName)
		switch {
		case err == nil:
			endpoint = ep
		case errors.Is(err, ErrNotFound):
			r.logger.Warn("Endpoint not found, using default", zap.String("endpoint", endpointName))
		default:
			return nil, nil, err
		}
	}
	if endpoint == nil {
		ep, err := r.DefaultEndpoint(ctx)
		if err != nil {
			return nil, nil, err
		}
		endpoint = ep
	}
	return endpoint, model, nil
}
