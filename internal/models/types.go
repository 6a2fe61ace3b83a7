package models

import "time"

// Conversation roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SQL chat session statuses
const (
	SessionStatusPending              = "pending"
	SessionStatusGeneratingDictionary = "generating_dictionary"
	SessionStatusReady                = "ready"
	SessionStatusGenerating           = "generating"
	SessionStatusValidating           = "validating"
	SessionStatusExecuting            = "executing"
	SessionStatusComplete             = "complete"
	SessionStatusError                = "error"
)

// Query intents
const (
	IntentLookup      = "lookup"
	IntentAggregation = "aggregation"
	IntentComparison  = "comparison"
	IntentTrend       = "trend"
	IntentTopK        = "top_k"
)

// Confidence levels
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Chunk is the unit of retrieval: a bounded text fragment with its
// embedding and a free-form metadata map. Metadata carries at least
// notebook_id, source_id and user_id plus file provenance; keys are
// user-extensible, so it stays a map rather than a struct.
type Chunk struct {
	ChunkID   string                 `json:"chunk_id" db:"chunk_id"`
	Text      string                 `json:"text" db:"text"`
	Embedding []float32              `json:"embedding,omitempty"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// NotebookID returns the tenancy key from metadata, empty if unset.
func (c *Chunk) NotebookID() string {
	if v, ok := c.Metadata["notebook_id"].(string); ok {
		return v
	}
	return ""
}

// SourceID returns the originating document id from metadata.
func (c *Chunk) SourceID() string {
	if v, ok := c.Metadata["source_id"].(string); ok {
		return v
	}
	return ""
}

// ScoredChunk is a chunk with a retrieval score attached.
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// Notebook groups chunks and conversation messages under one tenancy
// scope.
type Notebook struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	UserID    string    `json:"user_id" db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ConversationMessage is one turn of a notebook conversation, ordered by
// timestamp on retrieval.
type ConversationMessage struct {
	MessageID  string    `json:"message_id" db:"message_id"`
	NotebookID string    `json:"notebook_id" db:"notebook_id"`
	UserID     string    `json:"user_id" db:"user_id"`
	Role       string    `json:"role" db:"role"`
	Content    string    `json:"content" db:"content"`
	Timestamp  time.Time `json:"timestamp" db:"created_at"`
}

// CostEstimate summarizes an EXPLAIN pass over generated SQL.
type CostEstimate struct {
	TotalCost     float64 `json:"total_cost"`
	EstimatedRows int64   `json:"estimated_rows"`
	HasSeqScan    bool    `json:"has_seq_scan"`
	HasCartesian  bool    `json:"has_cartesian"`
	PlanJSON      string  `json:"plan_json,omitempty"`
}

// QueryResult is the outcome of one NL to SQL execution. A failed stage
// still fills SQLGenerated and Timings where available.
type QueryResult struct {
	Success            bool                     `json:"success"`
	SQLGenerated       string                   `json:"sql_generated,omitempty"`
	Columns            []string                 `json:"columns,omitempty"`
	Rows               []map[string]interface{} `json:"rows,omitempty"`
	RowCount           int                      `json:"row_count"`
	ExecutionTimeMs    int64                    `json:"execution_time_ms"`
	Error              string                   `json:"error,omitempty"`
	Confidence         *ConfidenceScore         `json:"confidence,omitempty"`
	CostEstimate       *CostEstimate            `json:"cost_estimate,omitempty"`
	Intent             string                   `json:"intent,omitempty"`
	RetryCount         int                      `json:"retry_count"`
	Explanation        string                   `json:"explanation,omitempty"`
	ValidationWarnings []string                 `json:"validation_warnings,omitempty"`
	Timings            map[string]int64         `json:"timings,omitempty"`
}

// ConfidenceScore is the weighted-signal confidence for a generated query.
type ConfidenceScore struct {
	Score   float64            `json:"score"`
	Level   string             `json:"level"`
	Signals map[string]float64 `json:"signals,omitempty"`
}

// QueryTelemetry is one append-only telemetry record per executed query.
type QueryTelemetry struct {
	SessionID       string    `json:"session_id" db:"session_id"`
	UserQuery       string    `json:"user_query" db:"user_query"`
	GeneratedSQL    string    `json:"generated_sql" db:"generated_sql"`
	Intent          string    `json:"intent" db:"intent"`
	ConfidenceScore float64   `json:"confidence_score" db:"confidence_score"`
	RetryCount      int       `json:"retry_count" db:"retry_count"`
	ExecutionTimeMs int64     `json:"execution_time_ms" db:"execution_time_ms"`
	RowCount        int       `json:"row_count" db:"row_count"`
	CostEstimate    float64   `json:"cost_estimate" db:"cost_estimate"`
	TokensUsed      int       `json:"tokens_used" db:"tokens_used"`
	CostUSD         float64   `json:"cost_usd" db:"cost_usd"`
	Success         bool      `json:"success" db:"success"`
	Error           string    `json:"error,omitempty" db:"error"`
	Timestamp       time.Time `json:"timestamp" db:"created_at"`
}

// TelemetryStats aggregates telemetry records over a time window.
type TelemetryStats struct {
	WindowStart        time.Time        `json:"window_start"`
	Total              int64            `json:"total"`
	SuccessRate        float64          `json:"success_rate"`
	AvgRetries         float64          `json:"avg_retries"`
	AvgConfidence      float64          `json:"avg_confidence"`
	EmptyResultRate    float64          `json:"empty_result_rate"`
	AvgExecutionTimeMs float64          `json:"avg_execution_time_ms"`
	IntentDistribution map[string]int64 `json:"intent_distribution"`
	TopErrors          []ErrorCount     `json:"top_errors,omitempty"`
}

// ErrorCount pairs a truncated error message with its occurrence count.
type ErrorCount struct {
	Prefix string `json:"prefix"`
	Count  int64  `json:"count"`
}

// TokenUsage tracks token consumption for one LLM call.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Model            string  `json:"model"`
}
