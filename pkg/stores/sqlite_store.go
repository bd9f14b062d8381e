package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/inventory"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	sealer credentials.Sealer
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	sealer := cfg.Sealer
	if sealer == nil {
		sealer = credentials.PlaintextSealer()
	}

	return &SQLiteStore{
		cfg:    cfg,
		sealer: sealer,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database. Every pooled connection enforces foreign keys,
// uses WAL and begins transactions with BEGIN IMMEDIATE.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction and commits when fn succeeds.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func requireAffected(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

const connectionColumns = `id, name, provider_type, tenant_id, zone, region, endpoint,
	last_refresh_status, last_refresh_error, last_refresh_date, created_at, updated_at`

func scanConnection(row interface{ Scan(...any) error }) (*inventory.ProviderConnection, error) {
	conn := &inventory.ProviderConnection{}
	var lastErr sql.NullString
	var lastDate sql.NullTime
	if err := row.Scan(
		&conn.ID,
		&conn.Name,
		&conn.ProviderType,
		&conn.TenantID,
		&conn.Zone,
		&conn.Region,
		&conn.Endpoint,
		&conn.LastRefreshStatus,
		&lastErr,
		&lastDate,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	); err != nil {
		return nil, err
	}
	conn.LastRefreshError = nullString(&lastErr)
	conn.LastRefreshDate = nullTime(&lastDate)
	return conn, nil
}

// CreateConnection inserts a connection. An empty ID is assigned a UUID and
// the refresh status starts as unknown.
func (s *SQLiteStore) CreateConnection(ctx context.Context, conn *inventory.ProviderConnection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	now := s.now()
	conn.CreatedAt, conn.UpdatedAt = now, now
	conn.LastRefreshStatus = inventory.RefreshStatusUnknown
	conn.LastRefreshError, conn.LastRefreshDate = nil, nil

	query := `
		INSERT INTO provider_connections (id, name, provider_type, tenant_id, zone, region, endpoint,
			last_refresh_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		conn.ID,
		conn.Name,
		conn.ProviderType,
		conn.TenantID,
		conn.Zone,
		conn.Region,
		conn.Endpoint,
		conn.LastRefreshStatus,
		conn.CreatedAt,
		conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection %s: %w", conn.Name, err)
	}
	return nil
}

// GetConnection retrieves a connection by ID.
func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*inventory.ProviderConnection, error) {
	return s.getConnection(ctx, s.db, "id", id)
}

// GetConnectionByName retrieves a connection by its unique name.
func (s *SQLiteStore) GetConnectionByName(ctx context.Context, name string) (*inventory.ProviderConnection, error) {
	return s.getConnection(ctx, s.db, "name", name)
}

func (s *SQLiteStore) getConnection(ctx context.Context, q querier, column, value string) (*inventory.ProviderConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM provider_connections WHERE ` + column + ` = ?`
	conn, err := scanConnection(q.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("connection %s: %w", value, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

// ListConnections returns all connections ordered by name.
func (s *SQLiteStore) ListConnections(ctx context.Context) ([]*inventory.ProviderConnection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+connectionColumns+` FROM provider_connections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	conns := []*inventory.ProviderConnection{}
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return conns, nil
}

// UpdateConnection updates the configurable attributes of a connection.
// Refresh status is only written by SetRefreshStatus.
func (s *SQLiteStore) UpdateConnection(ctx context.Context, conn *inventory.ProviderConnection) error {
	conn.UpdatedAt = s.now()
	query := `
		UPDATE provider_connections
		SET name = ?, provider_type = ?, tenant_id = ?, zone = ?, region = ?, endpoint = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		conn.Name, conn.ProviderType, conn.TenantID, conn.Zone, conn.Region, conn.Endpoint, conn.UpdatedAt, conn.ID)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	return requireAffected(result, "connection", conn.ID)
}

// DeleteConnection removes a connection together with everything it owns.
func (s *SQLiteStore) DeleteConnection(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM provider_connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	return requireAffected(result, "connection", id)
}

// SetRefreshStatus records the outcome of a refresh. An error status
// requires a message; a success status clears any previous message.
func (s *SQLiteStore) SetRefreshStatus(ctx context.Context, connectionID string, status inventory.RefreshStatus, errMsg string, at time.Time) error {
	var lastErr *string
	switch status {
	case inventory.RefreshStatusError:
		if errMsg == "" {
			return fmt.Errorf("refresh status %s requires an error message", status)
		}
		lastErr = &errMsg
	case inventory.RefreshStatusSuccess, inventory.RefreshStatusUnknown:
	default:
		return fmt.Errorf("invalid refresh status %q", status)
	}

	query := `
		UPDATE provider_connections
		SET last_refresh_status = ?, last_refresh_error = ?, last_refresh_date = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, status, lastErr, at.UTC(), s.now(), connectionID)
	if err != nil {
		return fmt.Errorf("failed to set refresh status: %w", err)
	}
	return requireAffected(result, "connection", connectionID)
}

func sealContext(connectionID string, slot credentials.Slot) string {
	return connectionID + "/" + string(slot)
}

// SetCredential stores or replaces the credential of a slot. The secret is
// sealed and bound to the connection and slot.
func (s *SQLiteStore) SetCredential(ctx context.Context, connectionID string, slot credentials.Slot, cred credentials.Credential) error {
	slot = slot.OrDefault()
	sealed, err := s.sealer.Seal(cred.Secret, sealContext(connectionID, slot))
	if err != nil {
		return fmt.Errorf("failed to seal secret: %w", err)
	}

	now := s.now()
	query := `
		INSERT INTO authentications (connection_id, auth_type, userid, secret, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id, auth_type)
		DO UPDATE SET userid = excluded.userid, secret = excluded.secret, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, connectionID, slot, cred.UserID, sealed, now, now); err != nil {
		return fmt.Errorf("failed to set credential: %w", err)
	}
	return nil
}

// GetCredential implements credentials.Store.
func (s *SQLiteStore) GetCredential(ctx context.Context, connectionID string, slot credentials.Slot) (*credentials.Credential, error) {
	slot = slot.OrDefault()
	var userID, sealed string
	err := s.db.QueryRowContext(ctx,
		`SELECT userid, secret FROM authentications WHERE connection_id = ? AND auth_type = ?`,
		connectionID, slot,
	).Scan(&userID, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("connection %s slot %s: %w", connectionID, slot, credentials.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	secret := ""
	if sealed != "" {
		secret, err = s.sealer.Open(sealed, sealContext(connectionID, slot))
		if err != nil {
			return nil, fmt.Errorf("failed to open secret of connection %s slot %s: %w", connectionID, slot, err)
		}
	}
	return &credentials.Credential{UserID: userID, Secret: secret}, nil
}

// DeleteCredential removes the credential of a slot.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, connectionID string, slot credentials.Slot) error {
	slot = slot.OrDefault()
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM authentications WHERE connection_id = ? AND auth_type = ?`, connectionID, slot)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return requireAffected(result, "credential", sealContext(connectionID, slot))
}
