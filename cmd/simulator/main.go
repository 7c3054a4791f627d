package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalsfoundry/leo-relay-simulator/internal/config"
	"github.com/signalsfoundry/leo-relay-simulator/internal/logging"
	"github.com/signalsfoundry/leo-relay-simulator/internal/observability"
	"github.com/signalsfoundry/leo-relay-simulator/internal/opsapi"
	"github.com/signalsfoundry/leo-relay-simulator/internal/sim"
	"github.com/signalsfoundry/leo-relay-simulator/internal/terminal"
	"github.com/signalsfoundry/leo-relay-simulator/internal/transport"
)

type options struct {
	duration     time.Duration
	tlePath      string
	message      string
	sendInterval time.Duration
	terminalID   int
	opsAddr      string
}

func main() {
	log := logging.NewFromEnv()
	cfg := config.FromEnv(log)

	var opts options
	flag.DurationVar(&opts.duration, "duration", 0, "stop after this much wall time (0 runs until interrupted)")
	flag.StringVar(&opts.tlePath, "tle", "", "TLE file driving SGP4 satellites instead of the circular ring")
	flag.StringVar(&opts.message, "message", "hello world", "payload the embedded ground terminal sends (empty disables it)")
	flag.DurationVar(&opts.sendInterval, "send-interval", 10*time.Second, "simulated time between terminal transmissions")
	flag.IntVar(&opts.terminalID, "terminal-id", cfg.Satellites, "terminal sender id, which is also the satellite its data is routed toward")
	flag.StringVar(&opts.opsAddr, "ops-addr", cfg.MetricsAddr, "HTTP address for /metrics, /healthz and /api/v1")
	flag.IntVar(&cfg.Satellites, "satellites", cfg.Satellites, "number of satellites on the ring")
	flag.IntVar(&cfg.BasePort, "base-port", cfg.BasePort, "satellite i listens on base-port+i")
	flag.Float64Var(&cfg.MaxISLKm, "max-isl-km", cfg.MaxISLKm, "longest usable inter-satellite link in km")
	flag.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "payload bytes per data packet")
	flag.BoolVar(&cfg.Accelerated, "accelerated", cfg.Accelerated, "advance simulation time faster than wall time")
	flag.Parse()

	ctx := context.Background()
	if err := cfg.Validate(); err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		os.Exit(1)
	}

	shutdownTracing, err := observability.InitTracing(ctx,
		observability.TracingConfigFromEnv().ForNode(observability.RoleSimulator, os.Getpid()), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	collector, err := observability.NewCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, opts.duration)
		defer cancel()
	}

	if err := run(runCtx, cfg, opts, collector, log); err != nil {
		log.Error(ctx, "simulation failed", logging.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, opts options, collector *observability.Collector, log logging.Logger) error {
	sats, err := satellites(cfg, opts.tlePath, time.Now().UTC())
	if err != nil {
		return err
	}

	rt := sim.New(cfg, sats,
		sim.WithLogger(log),
		sim.WithCollector(collector),
		sim.WithDeliveryHandler(func(satellite int, origin uint32, payload []byte) {
			log.Info(ctx, "message reconstructed",
				logging.Int("satellite", satellite),
				logging.Uint32("origin", origin),
				logging.String("payload", string(payload)),
			)
		}),
	)
	if err := rt.Start(ctx); err != nil {
		return err
	}

	ops := opsapi.New(
		opsapi.WithTopology(rt.Topology()),
		opsapi.WithRegistry(rt.Registry()),
		opsapi.WithEvents(rt.Events()),
		opsapi.WithMetrics(collector.Handler()),
		opsapi.WithLogger(log),
	)
	go func() {
		if err := ops.ListenAndServe(ctx, opts.opsAddr); err != nil {
			log.Warn(ctx, "ops API exited", logging.Err(err))
		}
	}()

	var term *terminal.Terminal
	var sender *transport.ReliableSender
	if opts.message != "" {
		conn, err := net.ListenPacket("udp", net.JoinHostPort(cfg.ListenHost, "0"))
		if err != nil {
			return fmt.Errorf("bind terminal socket: %w", err)
		}
		defer conn.Close()

		sender = transport.NewReliableSender(conn, uint32(opts.terminalID), senderConfig(cfg),
			transport.WithSenderLogger(log),
			transport.WithSenderMetrics(collector.Sender(opts.terminalID)),
		)
		term = terminal.New(cfg.Terminal, sender, rt.Registry(),
			terminal.WithConfig(terminal.Config{DebugInterval: cfg.DebugInterval}),
			terminal.WithClock(rt.Clock()),
			terminal.WithLogger(log),
			terminal.WithMetrics(collector.Terminal(opts.terminalID)),
			terminal.WithEvents(rt.Events()),
		)
		go func() {
			_ = term.RunPeriodic(ctx, []byte(opts.message), opts.sendInterval)
		}()
	}

	<-ctx.Done()
	rt.Wait()

	if term != nil {
		term.Close()
		fmt.Print(term.Summary())
		st := sender.Stats()
		fmt.Printf("sender: %d chunks sent, %d acked, %d lost, %d retries, mean rtt %s\n",
			st.ChunksSent, st.ChunksAcked, st.ChunksLost, st.Retries, st.MeanRTT())
	}
	return nil
}

// satellites returns the TLE-driven constellation when tlePath is set and
// the configured ring otherwise.
func satellites(cfg config.Config, tlePath string, now time.Time) ([]sim.Satellite, error) {
	if tlePath == "" {
		return sim.RingSatellites(cfg, now.Truncate(24*time.Hour)), nil
	}
	f, err := os.Open(tlePath)
	if err != nil {
		return nil, fmt.Errorf("open TLE file: %w", err)
	}
	defer f.Close()
	return sim.LoadTLE(f, 1)
}

func senderConfig(cfg config.Config) transport.SenderConfig {
	return transport.SenderConfig{
		ChunkSize:      cfg.ChunkSize,
		Timeout:        cfg.SocketTimeout,
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay,
		ReadBufferSize: cfg.ReceiveBuffer,
	}
}
