package domain

import "time"

// Cursor is the persisted scan position of a chain watcher.
type Cursor struct {
	ChainID            ChainID      `json:"chain_id"`
	LastProcessedBlock int64        `json:"last_processed_block"`
	State              WatcherState `json:"state"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// NoBlockProcessed marks a cursor that has not processed any block yet.
const NoBlockProcessed int64 = -1

type WatcherState string

const (
	WatcherStateInit         WatcherState = "init"
	WatcherStatePolling      WatcherState = "polling"
	WatcherStateErrorBackoff WatcherState = "error_backoff"
	WatcherStateStopped      WatcherState = "stopped"
)
