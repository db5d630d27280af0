package events

import "encoding/json"

// DownloadStartedData contains data for DownloadStarted events
type DownloadStartedData struct {
	Mode    string `json:"mode"` // etf | stock | fundamental
	Symbols int    `json:"symbols"`
	Years   int    `json:"years,omitempty"`
}

// EventType returns the event type for DownloadStartedData
func (d *DownloadStartedData) EventType() EventType { return DownloadStarted }

// DownloadProgressData contains data for DownloadProgress events
type DownloadProgressData struct {
	Mode     string `json:"mode"`
	Symbol   string `json:"symbol"`
	Done     int    `json:"done"`
	Total    int    `json:"total"`
	Inserted int    `json:"inserted"`
}

// EventType returns the event type for DownloadProgressData
func (d *DownloadProgressData) EventType() EventType { return DownloadProgress }

// DownloadCompletedData contains data for DownloadCompleted events
type DownloadCompletedData struct {
	Mode     string `json:"mode"`
	Symbols  int    `json:"symbols"`
	Inserted int    `json:"inserted"`
	Failed   int    `json:"failed"`
	Elapsed  string `json:"elapsed"`
}

// EventType returns the event type for DownloadCompletedData
func (d *DownloadCompletedData) EventType() EventType { return DownloadCompleted }

// SignalsGeneratedData contains data for SignalsGenerated events
type SignalsGeneratedData struct {
	Asset string `json:"asset"`
	Date  string `json:"date"`
	Buys  int    `json:"buys"`
	Sells int    `json:"sells"`
	Holds int    `json:"holds"`
	Tasks int    `json:"tasks"`
}

// EventType returns the event type for SignalsGeneratedData
func (d *SignalsGeneratedData) EventType() EventType { return SignalsGenerated }

// BacktestQueuedData contains data for BacktestQueued events
type BacktestQueuedData struct {
	RunID string   `json:"run_id"`
	Names []string `json:"names"`
}

// EventType returns the event type for BacktestQueuedData
func (d *BacktestQueuedData) EventType() EventType { return BacktestQueued }

// BacktestStartedData contains data for BacktestStarted events
type BacktestStartedData struct {
	RunID   string `json:"run_id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// EventType returns the event type for BacktestStartedData
func (d *BacktestStartedData) EventType() EventType { return BacktestStarted }

// BacktestCompletedData contains data for BacktestCompleted events
type BacktestCompletedData struct {
	RunID       string  `json:"run_id"`
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	ErrorCode   string  `json:"error_code,omitempty"`
	TotalReturn float64 `json:"total_return"`
	Elapsed     string  `json:"elapsed"`
}

// EventType returns the event type for BacktestCompletedData
func (d *BacktestCompletedData) EventType() EventType { return BacktestCompleted }

// BackupCompletedData contains data for BackupCompleted events
type BackupCompletedData struct {
	Key       string `json:"key"`
	SizeBytes int64  `json:"size_bytes"`
	Elapsed   string `json:"elapsed"`
}

// EventType returns the event type for BackupCompletedData
func (d *BackupCompletedData) EventType() EventType { return BackupCompleted }

// MarketStatusChangedData contains data for MarketStatusChanged events
type MarketStatusChangedData struct {
	Status    string `json:"status"` // open | lunch_break | closed
	TradeDate string `json:"trade_date"`
	UpdatedAt string `json:"updated_at"` // ISO 8601 timestamp
}

// EventType returns the event type for MarketStatusChangedData
func (d *MarketStatusChangedData) EventType() EventType { return MarketStatusChanged }

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType { return ErrorOccurred }

// GetTypedData attempts to convert the Data map back to typed EventData.
// Returns nil when the event type has no typed form or decoding fails.
func (e *Event) GetTypedData() EventData {
	if e.Data == nil {
		return nil
	}

	switch e.Type {
	case DownloadStarted:
		var data DownloadStartedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case DownloadProgress:
		var data DownloadProgressData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case DownloadCompleted:
		var data DownloadCompletedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case SignalsGenerated:
		var data SignalsGeneratedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case BacktestQueued:
		var data BacktestQueuedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case BacktestStarted:
		var data BacktestStartedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case BacktestCompleted:
		var data BacktestCompletedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case BackupCompleted:
		var data BackupCompletedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case MarketStatusChanged:
		var data MarketStatusChangedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case ErrorOccurred:
		var data ErrorEventData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	}

	return nil
}

// convertMapToStruct converts a map[string]interface{} to a struct
func convertMapToStruct(m map[string]interface{}, v interface{}) error {
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonBytes, v)
}
