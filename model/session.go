package model

import "time"

// SessionSummary is the finalized record of one terminal-to-satellite
// connection, appended to the terminal's history on handover.
type SessionSummary struct {
	Satellite        int           `json:"satellite"`
	Start            time.Time     `json:"start"`
	End              time.Time     `json:"end"`
	Duration         time.Duration `json:"duration"`
	BytesSent        int           `json:"bytes_sent"`
	SuccessfulChunks int           `json:"successful_chunks"`
}
