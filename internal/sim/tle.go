package sim

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/signalsfoundry/leo-relay-simulator/core"
)

// LoadTLE reads two-line element sets, optionally preceded by a name line,
// and returns one SGP4-driven satellite per set with ids from firstID.
func LoadTLE(r io.Reader, firstID int) ([]Satellite, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read TLE: %w", err)
	}

	var sats []Satellite
	for i := 0; i < len(lines); {
		if !strings.HasPrefix(lines[i], "1 ") {
			// name line
			i++
			continue
		}
		if i+1 >= len(lines) {
			return nil, fmt.Errorf("TLE line %d: %w: missing line 2", i+1, core.ErrInvalidTLE)
		}
		m, err := core.NewSGP4MotionModel(lines[i], lines[i+1])
		if err != nil {
			return nil, fmt.Errorf("TLE line %d: %w", i+1, err)
		}
		sats = append(sats, Satellite{ID: firstID + len(sats), Motion: m})
		i += 2
	}
	if len(sats) == 0 {
		return nil, fmt.Errorf("%w: no element sets found", core.ErrInvalidTLE)
	}
	return sats, nil
}
