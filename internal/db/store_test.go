package db

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/models"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	return NewClientWithDB(sqlx.NewDb(mockDB, "sqlmock"), zap.NewNop()), mock
}

func TestCreateNotebook(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec("INSERT INTO notebooks").
		WithArgs(sqlmock.AnyArg(), "sales", "u1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	nb, err := c.CreateNotebook(context.Background(), "sales", "u1")
	if err != nil {
		t.Fatalf("CreateNotebook: %v", err)
	}
	if nb.ID == "" {
		t.Error("expected generated notebook id")
	}
	if nb.CreatedAt.IsZero() || nb.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be filled")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateNotebookRequiresName(t *testing.T) {
	c, _ := newMockClient(t)
	_, err := c.CreateNotebook(context.Background(), "", "u1")
	if !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("kind = %v, want Validation", apperr.KindOf(err))
	}
}

func TestGetNotebookNotFound(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectQuery("FROM notebooks").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "user_id", "created_at", "updated_at"}))

	_, err := c.GetNotebook(context.Background(), "nb-1", "u1")
	if !apperr.IsKind(err, apperr.NotFound) {
		t.Errorf("kind = %v, want NotFound", apperr.KindOf(err))
	}
}

func TestDeleteNotebookCascades(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM conversation_messages").
		WithArgs("nb-1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM notebooks").
		WithArgs("nb-1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := c.DeleteNotebook(context.Background(), "nb-1", "u1"); err != nil {
		t.Fatalf("DeleteNotebook: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDeleteNotebookNotFound(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM conversation_messages").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM notebooks").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := c.DeleteNotebook(context.Background(), "nb-missing", "u1")
	if !apperr.IsKind(err, apperr.NotFound) {
		t.Errorf("kind = %v, want NotFound", apperr.KindOf(err))
	}
}

func TestSaveConversationMessageFillsDefaults(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec("INSERT INTO conversation_messages").
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg := &models.ConversationMessage{
		NotebookID: "nb-1",
		UserID:     "u1",
		Role:       "user",
		Content:    "total revenue by region?",
	}
	if err := c.SaveConversationMessage(context.Background(), msg); err != nil {
		t.Fatalf("SaveConversationMessage: %v", err)
	}
	if msg.MessageID == "" {
		t.Error("expected generated message id")
	}
	if msg.Timestamp.IsZero() {
		t.Error("expected timestamp to be filled")
	}
}

func TestSaveConversationMessagesBatch(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversation_messages").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO conversation_messages").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msgs := []models.ConversationMessage{
		{NotebookID: "nb-1", UserID: "u1", Role: "user", Content: "q"},
		{NotebookID: "nb-1", UserID: "u1", Role: "assistant", Content: "a"},
	}
	if err := c.SaveConversationMessages(context.Background(), msgs); err != nil {
		t.Fatalf("SaveConversationMessages: %v", err)
	}
	if msgs[0].MessageID == "" || msgs[1].MessageID == "" {
		t.Error("expected generated message ids")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecentMessagesChronological(t *testing.T) {
	c, mock := newMockClient(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"message_id", "notebook_id", "user_id", "role", "content", "created_at"}).
		AddRow("m1", "nb-1", "u1", "user", "first", base).
		AddRow("m2", "nb-1", "u1", "assistant", "second", base.Add(time.Minute))
	mock.ExpectQuery("ORDER BY created_at ASC").
		WithArgs("nb-1", "u1", 50).
		WillReturnRows(rows)

	msgs, err := c.RecentMessages(context.Background(), "nb-1", "u1", 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("unexpected order: %q then %q", msgs[0].Content, msgs[1].Content)
	}
}

func connectionRowColumns() []string {
	return []string{
		"id", "name", "type", "host", "port", "database_name", "username",
		"password_ciphertext", "schema_name", "masking_policy", "user_id",
		"created_at", "last_used_at",
	}
}

func TestGetConnectionScansNullableColumns(t *testing.T) {
	c, mock := newMockClient(t)
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(connectionRowColumns()).
		AddRow("conn-1", "warehouse", "postgres", "db.internal", 5432, "analytics",
			"reader", "enc:abc", nil, []byte(`{"mask_columns":["email"]}`), "u1", created, nil)
	mock.ExpectQuery("FROM database_connections").
		WithArgs("conn-1", "u1").
		WillReturnRows(rows)

	conn, err := c.GetConnection(context.Background(), "conn-1", "u1")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if conn.Schema != "" {
		t.Errorf("Schema = %q, want empty", conn.Schema)
	}
	if conn.LastUsedAt != nil {
		t.Error("expected nil LastUsedAt")
	}
	if conn.MaskingPolicy == nil || len(conn.MaskingPolicy.MaskColumns) != 1 || conn.MaskingPolicy.MaskColumns[0] != "email" {
		t.Errorf("MaskingPolicy = %+v", conn.MaskingPolicy)
	}
}

func TestGetConnectionNotFound(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectQuery("FROM database_connections").
		WillReturnRows(sqlmock.NewRows(connectionRowColumns()))

	_, err := c.GetConnection(context.Background(), "conn-missing", "u1")
	if !apperr.IsKind(err, apperr.NotFound) {
		t.Errorf("kind = %v, want NotFound", apperr.KindOf(err))
	}
}

func TestSaveConnectionFillsID(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec("INSERT INTO database_connections").
		WillReturnResult(sqlmock.NewResult(0, 1))

	conn := &models.DatabaseConnection{
		Name:     "warehouse",
		Type:     "postgres",
		Host:     "db.internal",
		Port:     5432,
		Database: "analytics",
		Username: "reader",
		UserID:   "u1",
	}
	if err := c.SaveConnection(context.Background(), conn); err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}
	if conn.ID == "" {
		t.Error("expected generated connection id")
	}
}

func TestUpdateConnectionNotFound(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec("UPDATE database_connections").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := c.UpdateConnection(context.Background(), &models.DatabaseConnection{ID: "conn-missing", UserID: "u1"})
	if !apperr.IsKind(err, apperr.NotFound) {
		t.Errorf("kind = %v, want NotFound", apperr.KindOf(err))
	}
}

func TestInsertTelemetryFillsTimestamp(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec("INSERT INTO query_telemetry").
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := &models.QueryTelemetry{
		SessionID: "s1",
		UserQuery: "count users",
		Success:   true,
	}
	if err := c.InsertTelemetry(context.Background(), rec); err != nil {
		t.Fatalf("InsertTelemetry: %v", err)
	}
	if rec.Timestamp.IsZero() {
		t.Error("expected timestamp to be filled")
	}
}

func TestAggregateTelemetry(t *testing.T) {
	c, mock := newMockClient(t)
	since := time.Now().Add(-time.Hour)

	mock.ExpectQuery("FROM query_telemetry").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"total", "ok", "retries", "conf", "empty", "exec"}).
			AddRow(4, 3, 0.5, 0.8, 1, 120.0))
	mock.ExpectQuery("FROM query_telemetry").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"intent", "count"}).
			AddRow("lookup", 2).
			AddRow("aggregation", 1))
	mock.ExpectQuery("FROM query_telemetry").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"prefix", "count"}).
			AddRow("syntax error at or near", 2))

	stats, err := c.AggregateTelemetry(context.Background(), since)
	if err != nil {
		t.Fatalf("AggregateTelemetry: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.SuccessRate != 0.75 {
		t.Errorf("SuccessRate = %v, want 0.75", stats.SuccessRate)
	}
	if want := 1.0 / 3.0; stats.EmptyResultRate != want {
		t.Errorf("EmptyResultRate = %v, want %v", stats.EmptyResultRate, want)
	}
	if stats.IntentDistribution["lookup"] != 2 || stats.IntentDistribution["aggregation"] != 1 {
		t.Errorf("IntentDistribution = %v", stats.IntentDistribution)
	}
	if len(stats.TopErrors) != 1 || stats.TopErrors[0].Count != 2 {
		t.Errorf("TopErrors = %v", stats.TopErrors)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
