package postgres

import (
	"encoding/json"
	"time"
)

// Ingestion job lifecycle states.
const (
	JobPending   = "PENDING"
	JobRunning   = "RUNNING"
	JobCompleted = "COMPLETED"
	JobFailed    = "FAILED"
	JobCancelled = "CANCELLED"
)

// Backtest record types.
const (
	BacktestTypeRun      = "RUN"
	BacktestTypeOptimize = "OPTIMIZE"
)

// IngestionJob is one historical backfill run. Progress fields are persisted
// after every chunk so an operator can watch a long backfill move.
type IngestionJob struct {
	ID             string     `db:"id" json:"id"`
	Pair           string     `db:"pair" json:"pair"`
	Timeframe      string     `db:"timeframe" json:"timeframe"`
	Exchange       string     `db:"exchange" json:"exchange"`
	Status         string     `db:"status" json:"status"`
	Priority       int        `db:"priority" json:"priority"`
	CandlesFetched int        `db:"candles_fetched" json:"candles_fetched"`
	CandlesStored  int        `db:"candles_stored" json:"candles_stored"`
	ErrorMessage   *string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	StartedAt      *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// DataSource tracks what is stored on disk for one (pair,timeframe,exchange).
type DataSource struct {
	ID           string    `db:"id" json:"id"`
	Pair         string    `db:"pair" json:"pair"`
	Timeframe    string    `db:"timeframe" json:"timeframe"`
	Exchange     string    `db:"exchange" json:"exchange"`
	EarliestDate time.Time `db:"earliest_date" json:"earliest_date"`
	LatestDate   time.Time `db:"latest_date" json:"latest_date"`
	TotalCandles int       `db:"total_candles" json:"total_candles"`
	FilePath     string    `db:"file_path" json:"file_path"`
	FileSize     int64     `db:"file_size" json:"file_size"`
	IsComplete   bool      `db:"is_complete" json:"is_complete"`
	LastUpdated  time.Time `db:"last_updated" json:"last_updated"`
}

// DataGap is a detected hole in stored candles.
type DataGap struct {
	ID         string     `db:"id" json:"id"`
	Pair       string     `db:"pair" json:"pair"`
	Timeframe  string     `db:"timeframe" json:"timeframe"`
	GapStart   time.Time  `db:"gap_start" json:"gap_start"`
	GapEnd     time.Time  `db:"gap_end" json:"gap_end"`
	Reason     string     `db:"reason" json:"reason"`
	IsRepaired bool       `db:"is_repaired" json:"is_repaired"`
	DetectedAt time.Time  `db:"detected_at" json:"detected_at"`
	RepairedAt *time.Time `db:"repaired_at" json:"repaired_at,omitempty"`
}

// BacktestRecord is a persisted backtest or optimization run.
type BacktestRecord struct {
	ID             string          `db:"id" json:"id"`
	UserID         string          `db:"user_id" json:"user_id"`
	Type           string          `db:"type" json:"type"`
	Exchange       string          `db:"exchange" json:"exchange"`
	Pair           string          `db:"pair" json:"pair"`
	Timeframe      string          `db:"timeframe" json:"timeframe"`
	StrategyType   string          `db:"strategy_type" json:"strategy_type"`
	StrategyParams json.RawMessage `db:"strategy_params" json:"strategy_params"`
	BacktestConfig json.RawMessage `db:"backtest_config" json:"backtest_config"`
	Result         json.RawMessage `db:"result" json:"result"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// BacktestFilter narrows history listings.
type BacktestFilter struct {
	UserID       string
	Type         string
	StrategyType string
	From         *time.Time
	To           *time.Time
	Page         int
	Limit        int
}
