package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/models"
)

// -------------------- Notebooks --------------------

// CreateNotebook inserts a notebook and returns it with generated fields
// filled in.
func (c *Client) CreateNotebook(ctx context.Context, name, userID string) (*models.Notebook, error) {
	if name == "" {
		return nil, apperr.New(apperr.Validation, "notebook name is required")
	}
	now := time.Now().UTC()
	nb := &models.Notebook{
		ID:        uuid.New().String(),
		Name:      name,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := c.cb.ExecContext(ctx, `
        INSERT INTO notebooks (id, name, user_id, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5)
    `, nb.ID, nb.Name, nb.UserID, nb.CreatedAt, nb.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create notebook: %w", err)
	}
	return nb, nil
}

// GetNotebook fetches one notebook scoped to its owner.
func (c *Client) GetNotebook(ctx context.Context, id, userID string) (*models.Notebook, error) {
	var nb models.Notebook
	err := c.dbx.GetContext(ctx, &nb, `
        SELECT id, name, user_id, created_at, updated_at
        FROM notebooks
        WHERE id = $1 AND user_id = $2
    `, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "notebook %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notebook: %w", err)
	}
	return &nb, nil
}

// ListNotebooks returns the user's notebooks, newest first.
func (c *Client) ListNotebooks(ctx context.Context, userID string) ([]models.Notebook, error) {
	notebooks := []models.Notebook{}
	err := c.dbx.SelectContext(ctx, &notebooks, `
        SELECT id, name, user_id, created_at, updated_at
        FROM notebooks
        WHERE user_id = $1
        ORDER BY created_at DESC
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notebooks: %w", err)
	}
	return notebooks, nil
}

// DeleteNotebook removes a notebook and its conversation history in one
// transaction.
func (c *Client) DeleteNotebook(ctx context.Context, id, userID string) error {
	tx, err := c.dbx.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
        DELETE FROM conversation_messages WHERE notebook_id = $1 AND user_id = $2
    `, id, userID); err != nil {
		return fmt.Errorf("failed to delete notebook messages: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
        DELETE FROM notebooks WHERE id = $1 AND user_id = $2
    `, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete notebook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "notebook %s not found", id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit notebook delete: %w", err)
	}
	return nil
}

// -------------------- Conversation messages --------------------

// SaveConversationMessage appends one turn to a notebook conversation.
// MessageID and Timestamp are filled when empty.
func (c *Client) SaveConversationMessage(ctx context.Context, msg *models.ConversationMessage) error {
	if msg == nil {
		return nil
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	_, err := c.cb.ExecContext(ctx, `
        INSERT INTO conversation_messages (message_id, notebook_id, user_id, role, content, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, msg.MessageID, msg.NotebookID, msg.UserID, msg.Role, msg.Content, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save conversation message: %w", err)
	}
	return nil
}

// SaveConversationMessages writes a batch of turns in one transaction.
// Used when flushing buffered memory on notebook switch.
func (c *Client) SaveConversationMessages(ctx context.Context, msgs []models.ConversationMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := c.dbx.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range msgs {
		if msgs[i].MessageID == "" {
			msgs[i].MessageID = uuid.New().String()
		}
		if msgs[i].Timestamp.IsZero() {
			msgs[i].Timestamp = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO conversation_messages (message_id, notebook_id, user_id, role, content, created_at)
            VALUES ($1, $2, $3, $4, $5, $6)
        `, msgs[i].MessageID, msgs[i].NotebookID, msgs[i].UserID, msgs[i].Role, msgs[i].Content, msgs[i].Timestamp); err != nil {
			return fmt.Errorf("failed to save conversation message batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message batch: %w", err)
	}
	return nil
}

// RecentMessages returns the last limit turns of a conversation in
// chronological order.
func (c *Client) RecentMessages(ctx context.Context, notebookID, userID string, limit int) ([]models.ConversationMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs := []models.ConversationMessage{}
	err := c.dbx.SelectContext(ctx, &msgs, `
        SELECT message_id, notebook_id, user_id, role, content, created_at
        FROM (
            SELECT message_id, notebook_id, user_id, role, content, created_at
            FROM conversation_messages
            WHERE notebook_id = $1 AND user_id = $2
            ORDER BY created_at DESC
            LIMIT $3
        ) m
        ORDER BY created_at ASC
    `, notebookID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}
	return msgs, nil
}

// DeleteMessagesByNotebook clears a notebook's conversation history.
func (c *Client) DeleteMessagesByNotebook(ctx context.Context, notebookID, userID string) error {
	_, err := c.cb.ExecContext(ctx, `
        DELETE FROM conversation_messages WHERE notebook_id = $1 AND user_id = $2
    `, notebookID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation messages: %w", err)
	}
	return nil
}

// -------------------- Database connections --------------------

const connectionColumns = `id, name, type, host, port, database_name, username, password_ciphertext, schema_name, masking_policy, user_id, created_at, last_used_at`

// SaveConnection stores a connection profile. The password must already
// be encrypted by the caller.
func (c *Client) SaveConnection(ctx context.Context, conn *models.DatabaseConnection) error {
	if conn == nil {
		return apperr.New(apperr.Validation, "connection is required")
	}
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}
	policy, err := marshalPolicy(conn.MaskingPolicy)
	if err != nil {
		return err
	}
	_, err = c.cb.ExecContext(ctx, `
        INSERT INTO database_connections
            (id, name, type, host, port, database_name, username, password_ciphertext, schema_name, masking_policy, user_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)
    `, conn.ID, conn.Name, conn.Type, conn.Host, conn.Port, conn.Database,
		conn.Username, conn.PasswordCiphertext, conn.Schema, policy, conn.UserID, conn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	return nil
}

// GetConnection fetches one connection profile scoped to its owner.
func (c *Client) GetConnection(ctx context.Context, id, userID string) (*models.DatabaseConnection, error) {
	row := c.dbx.QueryRowContext(ctx, `
        SELECT `+connectionColumns+`
        FROM database_connections
        WHERE id = $1 AND user_id = $2
    `, id, userID)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "connection %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

// ListConnections returns the user's connection profiles, newest first.
func (c *Client) ListConnections(ctx context.Context, userID string) ([]models.DatabaseConnection, error) {
	rows, err := c.dbx.QueryContext(ctx, `
        SELECT `+connectionColumns+`
        FROM database_connections
        WHERE user_id = $1
        ORDER BY created_at DESC
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	conns := []models.DatabaseConnection{}
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, *conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}

// UpdateConnection rewrites a profile's mutable fields.
func (c *Client) UpdateConnection(ctx context.Context, conn *models.DatabaseConnection) error {
	if conn == nil || conn.ID == "" {
		return apperr.New(apperr.Validation, "connection id is required")
	}
	policy, err := marshalPolicy(conn.MaskingPolicy)
	if err != nil {
		return err
	}
	res, err := c.cb.ExecContext(ctx, `
        UPDATE database_connections
        SET name = $1, type = $2, host = $3, port = $4, database_name = $5,
            username = $6, password_ciphertext = $7, schema_name = NULLIF($8, ''),
            masking_policy = $9
        WHERE id = $10 AND user_id = $11
    `, conn.Name, conn.Type, conn.Host, conn.Port, conn.Database,
		conn.Username, conn.PasswordCiphertext, conn.Schema, policy, conn.ID, conn.UserID)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "connection %s not found", conn.ID)
	}
	return nil
}

// DeleteConnection removes a profile.
func (c *Client) DeleteConnection(ctx context.Context, id, userID string) error {
	res, err := c.cb.ExecContext(ctx, `
        DELETE FROM database_connections WHERE id = $1 AND user_id = $2
    `, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "connection %s not found", id)
	}
	return nil
}

// TouchConnection records that a profile was just used.
func (c *Client) TouchConnection(ctx context.Context, id string) error {
	_, err := c.cb.ExecContext(ctx, `
        UPDATE database_connections SET last_used_at = now() WHERE id = $1
    `, id)
	if err != nil {
		return fmt.Errorf("failed to touch connection: %w", err)
	}
	return nil
}

func marshalPolicy(p *models.MaskingPolicy) (interface{}, error) {
	if p.IsEmpty() {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal masking policy: %w", err)
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanConnection reads one database_connections row. Explicit because
// masking_policy is JSONB and schema_name / last_used_at are nullable.
func scanConnection(row rowScanner) (*models.DatabaseConnection, error) {
	var (
		conn     models.DatabaseConnection
		schema   sql.NullString
		policy   []byte
		lastUsed sql.NullTime
	)
	if err := row.Scan(
		&conn.ID, &conn.Name, &conn.Type, &conn.Host, &conn.Port,
		&conn.Database, &conn.Username, &conn.PasswordCiphertext,
		&schema, &policy, &conn.UserID, &conn.CreatedAt, &lastUsed,
	); err != nil {
		return nil, err
	}
	if schema.Valid {
		conn.Schema = schema.String
	}
	if len(policy) > 0 {
		var p models.MaskingPolicy
		if err := json.Unmarshal(policy, &p); err != nil {
			return nil, fmt.Errorf("failed to decode masking policy: %w", err)
		}
		conn.MaskingPolicy = &p
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		conn.LastUsedAt = &t
	}
	return &conn, nil
}

// -------------------- Query telemetry --------------------

// InsertTelemetry appends one telemetry record.
func (c *Client) InsertTelemetry(ctx context.Context, rec *models.QueryTelemetry) error {
	if rec == nil {
		return nil
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := c.cb.ExecContext(ctx, `
        INSERT INTO query_telemetry
            (session_id, user_query, generated_sql, intent, confidence_score, retry_count,
             execution_time_ms, row_count, cost_estimate, tokens_used, cost_usd, success, error, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14)
    `, rec.SessionID, rec.UserQuery, rec.GeneratedSQL, rec.Intent, rec.ConfidenceScore,
		rec.RetryCount, rec.ExecutionTimeMs, rec.RowCount, rec.CostEstimate,
		rec.TokensUsed, rec.CostUSD, rec.Success, rec.Error, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert telemetry: %w", err)
	}
	return nil
}

// RecentTelemetry returns the newest records, newest first.
func (c *Client) RecentTelemetry(ctx context.Context, limit int) ([]models.QueryTelemetry, error) {
	if limit <= 0 {
		limit = 100
	}
	recs := []models.QueryTelemetry{}
	err := c.dbx.SelectContext(ctx, &recs, `
        SELECT session_id, user_query, generated_sql, intent, confidence_score, retry_count,
               execution_time_ms, row_count, cost_estimate, tokens_used, cost_usd, success,
               COALESCE(error, '') AS error, created_at
        FROM query_telemetry
        ORDER BY created_at DESC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list telemetry: %w", err)
	}
	return recs, nil
}

// AggregateTelemetry computes window statistics over records at or after
// since. Empty-result rate is measured against successful queries.
func (c *Client) AggregateTelemetry(ctx context.Context, since time.Time) (*models.TelemetryStats, error) {
	stats := &models.TelemetryStats{
		WindowStart:        since,
		IntentDistribution: map[string]int64{},
	}

	var succeeded, empty int64
	err := c.dbx.QueryRowContext(ctx, `
        SELECT COUNT(*),
               COUNT(*) FILTER (WHERE success),
               COALESCE(AVG(retry_count), 0),
               COALESCE(AVG(confidence_score), 0),
               COUNT(*) FILTER (WHERE success AND row_count = 0),
               COALESCE(AVG(execution_time_ms), 0)
        FROM query_telemetry
        WHERE created_at >= $1
    `, since).Scan(&stats.Total, &succeeded, &stats.AvgRetries, &stats.AvgConfidence, &empty, &stats.AvgExecutionTimeMs)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate telemetry: %w", err)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(succeeded) / float64(stats.Total)
	}
	if succeeded > 0 {
		stats.EmptyResultRate = float64(empty) / float64(succeeded)
	}

	rows, err := c.dbx.QueryContext(ctx, `
        SELECT intent, COUNT(*)
        FROM query_telemetry
        WHERE created_at >= $1 AND intent <> ''
        GROUP BY intent
    `, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate telemetry intents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var intent string
		var n int64
		if err := rows.Scan(&intent, &n); err != nil {
			return nil, fmt.Errorf("failed to scan intent row: %w", err)
		}
		stats.IntentDistribution[intent] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to aggregate telemetry intents: %w", err)
	}

	errRows, err := c.dbx.QueryContext(ctx, `
        SELECT LEFT(error, 80) AS prefix, COUNT(*)
        FROM query_telemetry
        WHERE created_at >= $1 AND error IS NOT NULL AND error <> ''
        GROUP BY prefix
        ORDER BY COUNT(*) DESC, prefix
        LIMIT 5
    `, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate telemetry errors: %w", err)
	}
	defer errRows.Close()
	for errRows.Next() {
		var ec models.ErrorCount
		if err := errRows.Scan(&ec.Prefix, &ec.Count); err != nil {
			return nil, fmt.Errorf("failed to scan error row: %w", err)
		}
		stats.TopErrors = append(stats.TopErrors, ec)
	}
	if err := errRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to aggregate telemetry errors: %w", err)
	}

	return stats, nil
}
