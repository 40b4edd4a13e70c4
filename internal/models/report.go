package models

// SyncStatus is the per-connector outcome of a sync run.
type SyncStatus string

const (
	SyncStatusSuccess        SyncStatus = "success"
	SyncStatusSkipped        SyncStatus = "skipped"
	SyncStatusError          SyncStatus = "error"
	SyncStatusUnknown        SyncStatus = "unknown"
	SyncStatusNotImplemented SyncStatus = "not_implemented"
)

// SyncResult is one connector's entry in a SyncReport.
type SyncResult struct {
	ConnectorType Provider   `json:"connectorType"`
	UserID        string     `json:"userId"`
	Status        SyncStatus `json:"status"`
	Message       string     `json:"message"`
	EventsSynced  *int       `json:"eventsSynced,omitempty"`
}

// SyncData is the payload of a SyncReport.
type SyncData struct {
	TotalProcessed int          `json:"totalProcessed"`
	SyncResults    []SyncResult `json:"syncResults"`
}

// SyncReport summarizes one orchestrator run.
type SyncReport struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Data    SyncData `json:"data"`
}
