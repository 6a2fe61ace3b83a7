// Package sqlconn manages stored connections to the external databases
// that SQL chat queries run against: CRUD with encrypted credentials,
// read-only verification at setup, and a pool per connection shared by
// introspection and execution.
package sqlconn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	// Drivers for every dialect BuildDSN can emit.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/secrets"
)

// Store is the slice of the application store the manager persists
// connections through.
type Store interface {
	SaveConnection(ctx context.Context, conn *models.DatabaseConnection) error
	GetConnection(ctx context.Context, id, userID string) (*models.DatabaseConnection, error)
	ListConnections(ctx context.Context, userID string) ([]models.DatabaseConnection, error)
	UpdateConnection(ctx context.Context, conn *models.DatabaseConnection) error
	DeleteConnection(ctx context.Context, id, userID string) error
	TouchConnection(ctx context.Context, id string) error
}

// Manager owns connection records and the live pools opened from them.
type Manager struct {
	store  Store
	cipher *secrets.Cipher
	cfg    config.SQLChatConfig
	logger *zap.Logger

	mu    sync.Mutex
	pools map[string]*sqlx.DB
}

// NewManager creates a connection manager. Pools are opened lazily on
// first use and kept until Delete or Close.
func NewManager(store Store, cipher *secrets.Cipher, cfg config.SQLChatConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		cipher: cipher,
		cfg:    cfg,
		logger: logger,
		pools:  make(map[string]*sqlx.DB),
	}
}

// CreateRequest carries the fields needed to register a connection. The
// password arrives in plaintext and leaves this package only encrypted.
type CreateRequest struct {
	Name          string                `json:"name"`
	Type          string                `json:"type"`
	Host          string                `json:"host"`
	Port          int                   `json:"port"`
	Database      string                `json:"database"`
	Username      string                `json:"username"`
	Password      string                `json:"password"`
	Schema        string                `json:"schema,omitempty"`
	MaskingPolicy *models.MaskingPolicy `json:"masking_policy,omitempty"`
}

func (r *CreateRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return apperr.New(apperr.Validation, "connection name is required")
	}
	if !models.ValidDialect(r.Type) {
		return apperr.New(apperr.Validation, "unsupported database type: %s", r.Type)
	}
	if strings.TrimSpace(r.Database) == "" {
		return apperr.New(apperr.Validation, "database name is required")
	}
	if r.Type != models.DialectSQLite && strings.TrimSpace(r.Host) == "" {
		return apperr.New(apperr.Validation, "host is required")
	}
	if r.Port == 0 {
		r.Port = defaultPorts[r.Type]
	}
	return nil
}

// Create validates the target database is reachable and read-only, then
// persists the connection with the password encrypted.
func (m *Manager) Create(ctx context.Context, userID string, req CreateRequest) (*models.DatabaseConnection, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	conn := &models.DatabaseConnection{
		ID:            uuid.New().String(),
		Name:          strings.TrimSpace(req.Name),
		Type:          strings.ToLower(req.Type),
		Host:          req.Host,
		Port:          req.Port,
		Database:      req.Database,
		Username:      req.Username,
		Schema:        req.Schema,
		MaskingPolicy: req.MaskingPolicy,
		UserID:        userID,
		CreatedAt:     time.Now().UTC(),
	}

	pool, err := m.open(ctx, conn, req.Password)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	if err := m.verifyReadOnly(ctx, pool, conn.Type); err != nil {
		return nil, err
	}

	ciphertext, err := m.cipher.Encrypt(req.Password)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "encrypt connection password")
	}
	conn.PasswordCiphertext = ciphertext

	if err := m.store.SaveConnection(ctx, conn); err != nil {
		return nil, err
	}
	m.logger.Info("Database connection created",
		zap.String("connection_id", conn.ID),
		zap.String("type", conn.Type),
		zap.String("database", conn.Database))
	return conn, nil
}

// TestResult is what the connection test endpoint reports back.
type TestResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	LatencyMS     int64  `json:"latency_ms"`
	ServerVersion string `json:"server_version,omitempty"`
}

// Test opens a transient pool, pings it, and runs the read-only check
// without persisting anything.
func (m *Manager) Test(ctx context.Context, req CreateRequest) (*TestResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	probe := &models.DatabaseConnection{
		Type:     strings.ToLower(req.Type),
		Host:     req.Host,
		Port:     req.Port,
		Database: req.Database,
		Username: req.Username,
		Schema:   req.Schema,
	}

	start := time.Now()
	pool, err := m.open(ctx, probe, req.Password)
	if err != nil {
		return &TestResult{Success: false, Message: apperr.PublicMessage(err)}, nil
	}
	defer pool.Close()
	latency := time.Since(start).Milliseconds()

	version := serverVersion(ctx, pool, probe.Type)

	if err := m.verifyReadOnly(ctx, pool, probe.Type); err != nil {
		return &TestResult{
			Success:       false,
			Message:       apperr.PublicMessage(err),
			LatencyMS:     latency,
			ServerVersion: version,
		}, nil
	}

	msg := "Connection successful; read-only access verified"
	if m.cfg.SkipReadOnlyCheck {
		msg = "Connection successful; read-only check skipped"
	}
	return &TestResult{Success: true, Message: msg, LatencyMS: latency, ServerVersion: version}, nil
}

// Get returns a stored connection scoped to its owner.
func (m *Manager) Get(ctx context.Context, id, userID string) (*models.DatabaseConnection, error) {
	return m.store.GetConnection(ctx, id, userID)
}

// List returns all connections owned by userID, most recent first.
func (m *Manager) List(ctx context.Context, userID string) ([]models.DatabaseConnection, error) {
	return m.store.ListConnections(ctx, userID)
}

// Delete removes a stored connection and closes its pool if open.
func (m *Manager) Delete(ctx context.Context, id, userID string) error {
	if err := m.store.DeleteConnection(ctx, id, userID); err != nil {
		return err
	}
	m.mu.Lock()
	pool, ok := m.pools[id]
	if ok {
		delete(m.pools, id)
	}
	m.mu.Unlock()
	if ok {
		if err := pool.Close(); err != nil {
			m.logger.Warn("Failed to close connection pool", zap.String("connection_id", id), zap.Error(err))
		}
	}
	return nil
}

// UpdateMaskingPolicy replaces the masking policy on a stored connection.
func (m *Manager) UpdateMaskingPolicy(ctx context.Context, id, userID string, policy *models.MaskingPolicy) (*models.DatabaseConnection, error) {
	conn, err := m.store.GetConnection(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	conn.MaskingPolicy = policy
	if err := m.store.UpdateConnection(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Pool returns the shared pool for a stored connection, opening it on
// first use. Implements the provider contract the schema service and the
// executor depend on.
func (m *Manager) Pool(ctx context.Context, conn *models.DatabaseConnection) (*sqlx.DB, error) {
	m.mu.Lock()
	pool, ok := m.pools[conn.ID]
	m.mu.Unlock()
	if ok {
		if err := pool.PingContext(ctx); err == nil {
			return pool, nil
		}
		// Stale pool (server restart, network change): drop and reopen.
		m.mu.Lock()
		if cur, still := m.pools[conn.ID]; still && cur == pool {
			delete(m.pools, conn.ID)
			pool.Close()
		}
		m.mu.Unlock()
	}

	password, err := m.cipher.Decrypt(conn.PasswordCiphertext)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decrypt connection password")
	}
	opened, err := m.open(ctx, conn, password)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.pools[conn.ID]; ok {
		// Another goroutine won the reopen race.
		m.mu.Unlock()
		opened.Close()
		return existing, nil
	}
	m.pools[conn.ID] = opened
	m.mu.Unlock()

	if err := m.store.TouchConnection(ctx, conn.ID); err != nil {
		m.logger.Debug("Failed to touch connection", zap.String("connection_id", conn.ID), zap.Error(err))
	}
	return opened, nil
}

// Invalidate closes and forgets the pool for a connection without
// deleting the record.
func (m *Manager) Invalidate(id string) {
	m.mu.Lock()
	pool, ok := m.pools[id]
	if ok {
		delete(m.pools, id)
	}
	m.mu.Unlock()
	if ok {
		pool.Close()
	}
}

// Close shuts every open pool. Called once at process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*sqlx.DB)
	m.mu.Unlock()
	for id, pool := range pools {
		if err := pool.Close(); err != nil {
			m.logger.Warn("Failed to close connection pool", zap.String("connection_id", id), zap.Error(err))
		}
	}
}

// open builds a DSN, opens and pings a pool, and applies sizing.
func (m *Manager) open(ctx context.Context, conn *models.DatabaseConnection, password string) (*sqlx.DB, error) {
	timeout := int(m.cfg.ConnectTimeout / time.Second)
	driver, dsn, err := BuildDSN(conn, password, timeout)
	if err != nil {
		return nil, err
	}

	pool, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.ExternalService, err, "open database connection")
	}

	size := m.cfg.PoolSize
	if size <= 0 {
		size = 5
	}
	overflow := m.cfg.MaxOverflow
	if overflow < 0 {
		overflow = 0
	}
	pool.SetMaxOpenConns(size + overflow)
	pool.SetMaxIdleConns(size)
	pool.SetConnMaxLifetime(30 * time.Minute)

	pingCtx := ctx
	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}
	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, apperr.Wrap(apperr.ExternalService, err, "database unreachable: %s", friendlyConnError(err))
	}
	return pool, nil
}

// serverVersion is best-effort; an error just leaves it blank.
func serverVersion(ctx context.Context, pool *sqlx.DB, dialect string) string {
	var q string
	switch dialect {
	case models.DialectPostgres:
		q = "SELECT version()"
	case models.DialectMySQL:
		q = "SELECT VERSION()"
	case models.DialectSQLite:
		q = "SELECT sqlite_version()"
	default:
		return ""
	}
	var v string
	if err := pool.QueryRowContext(ctx, q).Scan(&v); err != nil {
		return ""
	}
	if len(v) > 80 {
		v = v[:80]
	}
	return v
}

func friendlyConnError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "connection refused (is the database running and the port correct?)"
	case strings.Contains(msg, "password authentication failed"),
		strings.Contains(msg, "Access denied"):
		return "authentication failed (check username and password)"
	case strings.Contains(msg, "does not exist") && strings.Contains(msg, "database"):
		return "database does not exist"
	case strings.Contains(msg, "no such host"):
		return "host not found"
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return "connection timed out"
	default:
		return msg
	}
}

// sentinelPrefix names the probe table used by the read-only check. The
// random suffix avoids collisions when two creates race.
const sentinelPrefix = "_inkwell_ro_probe_"

// verifyReadOnly proves the supplied credentials cannot write by trying
// to create a sentinel table. Creation must fail; if it unexpectedly
// succeeds the table is dropped and the connection rejected.
func (m *Manager) verifyReadOnly(ctx context.Context, pool *sqlx.DB, dialect string) error {
	if m.cfg.SkipReadOnlyCheck {
		m.logger.Warn("Read-only verification skipped by configuration")
		return nil
	}

	name := sentinelPrefix + strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	create := fmt.Sprintf("CREATE TABLE %s (id INT)", quoteIdent(dialect, name))

	if _, err := pool.ExecContext(ctx, create); err != nil {
		// The write was refused: exactly what a read-only account should do.
		return nil
	}

	drop := fmt.Sprintf("DROP TABLE %s", quoteIdent(dialect, name))
	if _, err := pool.ExecContext(ctx, drop); err != nil {
		m.logger.Error("Failed to drop read-only sentinel table",
			zap.String("table", name), zap.Error(err))
	}
	return apperr.New(apperr.Validation,
		"connection is not read-only: the supplied credentials can create tables; grant SELECT-only access and retry")
}
