// Package events provides the in-process pub/sub bus the services
// publish progress on and the SSE stream fans out to clients.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	DownloadStarted   EventType = "DOWNLOAD_STARTED"
	DownloadProgress  EventType = "DOWNLOAD_PROGRESS"
	DownloadCompleted EventType = "DOWNLOAD_COMPLETED"

	SignalsGenerated EventType = "SIGNALS_GENERATED"

	BacktestQueued    EventType = "BACKTEST_QUEUED"
	BacktestStarted   EventType = "BACKTEST_STARTED"
	BacktestCompleted EventType = "BACKTEST_COMPLETED"

	BackupCompleted     EventType = "BACKUP_COMPLETED"
	MarketStatusChanged EventType = "MARKET_STATUS_CHANGED"
	ErrorOccurred       EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data"`
}

// EventData is the interface that all event data types implement.
// This allows for type-safe event data while maintaining flexibility.
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}
