// Package config holds the simulator's tunables, their defaults, and the
// LEO_* environment overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/leo-relay-simulator/core"
	"github.com/signalsfoundry/leo-relay-simulator/internal/logging"
	"github.com/signalsfoundry/leo-relay-simulator/model"
)

var (
	ErrInvalidPort      = errors.New("invalid port")
	ErrInvalidChunkSize = errors.New("invalid chunk size")
	ErrInvalidBuffer    = errors.New("receive buffer smaller than a full data packet")
	ErrInvalidTimeout   = errors.New("invalid timeout")
	ErrInvalidDistance  = errors.New("invalid ISL distance")
	ErrInvalidCount     = errors.New("invalid satellite count")
	ErrInvalidPosition  = errors.New("invalid position")
)

// dataOverhead is the header plus checksum around each chunk.
const dataOverhead = 20

// Config is every simulator tunable.
type Config struct {
	ListenHost     string
	BasePort       int
	ReceiveBuffer  int
	SocketTimeout  time.Duration
	RetryDelay     time.Duration
	ChunkSize      int
	MaxRetries     int
	MaxRelayHops   int
	MaxISLKm       float64
	LineOfSight    bool
	Satellites     int
	VelocityDegSec float64
	OrbitCenter    model.GeoPosition
	OrbitRadiusDeg float64
	RegistryMax    int
	Tick           time.Duration
	Accelerated    bool
	MetricsAddr    string
	DebugInterval  time.Duration
	Terminal       model.GeoPosition
	StaleAfter     time.Duration
}

// Default returns the stock five-satellite ring on localhost.
func Default() Config {
	return Config{
		ListenHost:     "127.0.0.1",
		BasePort:       8080,
		ReceiveBuffer:  2048,
		SocketTimeout:  time.Second,
		ChunkSize:      1024,
		MaxRetries:     3,
		MaxRelayHops:   3,
		MaxISLKm:       core.DefaultMaxISLDistanceKm,
		Satellites:     5,
		VelocityDegSec: core.DefaultVelocityDegPerSec,
		OrbitRadiusDeg: 45,
		RegistryMax:    64,
		Tick:           time.Second,
		MetricsAddr:    ":9090",
		DebugInterval:  5 * time.Second,
	}
}

// FromEnv applies LEO_* overrides on top of Default. Unparseable values are
// logged and the default kept.
func FromEnv(log logging.Logger) Config {
	if log == nil {
		log = logging.Noop()
	}
	cfg := Default()
	e := envReader{log: log}

	e.str("LEO_LISTEN_HOST", &cfg.ListenHost)
	e.integer("LEO_BASE_PORT", &cfg.BasePort)
	e.integer("LEO_RECEIVE_BUFFER", &cfg.ReceiveBuffer)
	e.duration("LEO_SOCKET_TIMEOUT", &cfg.SocketTimeout)
	e.duration("LEO_RETRY_DELAY", &cfg.RetryDelay)
	e.integer("LEO_CHUNK_SIZE", &cfg.ChunkSize)
	e.integer("LEO_MAX_RETRIES", &cfg.MaxRetries)
	e.integer("LEO_MAX_RELAY_HOPS", &cfg.MaxRelayHops)
	e.float("LEO_MAX_ISL_KM", &cfg.MaxISLKm)
	e.boolean("LEO_LINE_OF_SIGHT", &cfg.LineOfSight)
	e.integer("LEO_SATELLITES", &cfg.Satellites)
	e.float("LEO_VELOCITY_DEG_PER_SEC", &cfg.VelocityDegSec)
	e.position("LEO_ORBIT_CENTER", &cfg.OrbitCenter)
	e.float("LEO_ORBIT_RADIUS_DEG", &cfg.OrbitRadiusDeg)
	e.integer("LEO_REGISTRY_MAX", &cfg.RegistryMax)
	e.duration("LEO_TICK", &cfg.Tick)
	e.boolean("LEO_ACCELERATED", &cfg.Accelerated)
	e.str("LEO_METRICS_ADDR", &cfg.MetricsAddr)
	e.duration("LEO_DEBUG_INTERVAL", &cfg.DebugInterval)
	e.position("LEO_TERMINAL_POSITION", &cfg.Terminal)
	e.duration("LEO_STALE_AFTER", &cfg.StaleAfter)
	return cfg
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.BasePort <= 0 || c.BasePort > 65535:
		return fmt.Errorf("base port %d: %w", c.BasePort, ErrInvalidPort)
	case c.Satellites < 0 || c.BasePort+c.Satellites > 65535:
		return fmt.Errorf("%d satellites from port %d: %w", c.Satellites, c.BasePort, ErrInvalidCount)
	case c.RegistryMax > 0 && c.RegistryMax < c.Satellites:
		return fmt.Errorf("registry capacity %d below %d satellites: %w", c.RegistryMax, c.Satellites, ErrInvalidCount)
	case c.ChunkSize <= 0:
		return fmt.Errorf("chunk size %d: %w", c.ChunkSize, ErrInvalidChunkSize)
	case c.ReceiveBuffer < c.ChunkSize+dataOverhead:
		return fmt.Errorf("buffer %d for chunk size %d: %w", c.ReceiveBuffer, c.ChunkSize, ErrInvalidBuffer)
	case c.SocketTimeout <= 0:
		return fmt.Errorf("socket timeout %s: %w", c.SocketTimeout, ErrInvalidTimeout)
	case c.RetryDelay < 0 || c.DebugInterval <= 0 || c.Tick <= 0 || c.StaleAfter < 0:
		return fmt.Errorf("retry delay %s, debug interval %s, tick %s, stale after %s: %w",
			c.RetryDelay, c.DebugInterval, c.Tick, c.StaleAfter, ErrInvalidTimeout)
	case c.MaxISLKm <= 0:
		return fmt.Errorf("max ISL distance %v: %w", c.MaxISLKm, ErrInvalidDistance)
	case !validPosition(c.OrbitCenter):
		return fmt.Errorf("orbit center %+v: %w", c.OrbitCenter, ErrInvalidPosition)
	case !validPosition(c.Terminal):
		return fmt.Errorf("terminal %+v: %w", c.Terminal, ErrInvalidPosition)
	}
	return nil
}

// SatelliteAddr returns the host:port of satellite id's relay.
func (c Config) SatelliteAddr(id int) string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.BasePort+id))
}

func validPosition(p model.GeoPosition) bool {
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

// ParsePosition reads "lat,lon" in degrees.
func ParsePosition(s string) (model.GeoPosition, error) {
	lat, lon, ok := strings.Cut(s, ",")
	if !ok {
		return model.GeoPosition{}, fmt.Errorf("position %q: want lat,lon: %w", s, ErrInvalidPosition)
	}
	la, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return model.GeoPosition{}, fmt.Errorf("position %q: %w", s, err)
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	if err != nil {
		return model.GeoPosition{}, fmt.Errorf("position %q: %w", s, err)
	}
	p := model.GeoPosition{Latitude: la, Longitude: lo}
	if !validPosition(p) {
		return model.GeoPosition{}, fmt.Errorf("position %q: %w", s, ErrInvalidPosition)
	}
	return p, nil
}

type envReader struct {
	log logging.Logger
}

func (e envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e envReader) invalid(key, raw string, err error) {
	e.log.Warn(context.Background(), "ignoring invalid environment value",
		logging.String("key", key),
		logging.String("value", raw),
		logging.Err(err),
	)
}

func (e envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e envReader) integer(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.invalid(key, v, err)
		return
	}
	*dst = n
}

func (e envReader) float(key string, dst *float64) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.invalid(key, v, err)
		return
	}
	*dst = f
}

func (e envReader) boolean(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.invalid(key, v, err)
		return
	}
	*dst = b
}

func (e envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.invalid(key, v, err)
		return
	}
	*dst = d
}

func (e envReader) position(key string, dst *model.GeoPosition) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	p, err := ParsePosition(v)
	if err != nil {
		e.invalid(key, v, err)
		return
	}
	*dst = p
}
