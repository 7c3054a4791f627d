package terminal

import (
	"time"

	"github.com/signalsfoundry/leo-relay-simulator/model"
)

// Session is the terminal's connection to its current serving satellite.
type Session struct {
	Satellite        int
	Start            time.Time
	BytesSent        int
	SuccessfulChunks int
}

// Finalize closes the session at end.
func (s Session) Finalize(end time.Time) model.SessionSummary {
	d := end.Sub(s.Start)
	if d < 0 {
		d = 0
	}
	return model.SessionSummary{
		Satellite:        s.Satellite,
		Start:            s.Start,
		End:              end,
		Duration:         d,
		BytesSent:        s.BytesSent,
		SuccessfulChunks: s.SuccessfulChunks,
	}
}
