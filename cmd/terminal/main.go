package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalsfoundry/leo-relay-simulator/internal/config"
	"github.com/signalsfoundry/leo-relay-simulator/internal/logging"
	"github.com/signalsfoundry/leo-relay-simulator/internal/observability"
	"github.com/signalsfoundry/leo-relay-simulator/internal/terminal"
	"github.com/signalsfoundry/leo-relay-simulator/internal/transport"
	"github.com/signalsfoundry/leo-relay-simulator/kb"
)

// Runs a ground terminal against satellites listening on the base-port
// convention.
func main() {
	log := logging.NewFromEnv()
	cfg := config.FromEnv(log)

	id := flag.Int("id", cfg.Satellites, "sender id, which is also the satellite the data is routed toward")
	message := flag.String("message", "hello world", "payload to transmit")
	interval := flag.Duration("interval", 10*time.Second, "time between transmissions (0 sends once)")
	position := flag.String("position", "", "terminal position as lat,lon (overrides LEO_TERMINAL_POSITION)")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics (empty disables it)")
	flag.IntVar(&cfg.Satellites, "satellites", cfg.Satellites, "number of satellites to query, ids 1..n")
	flag.IntVar(&cfg.BasePort, "base-port", cfg.BasePort, "satellite i listens on base-port+i")
	flag.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "payload bytes per data packet")
	flag.Parse()

	ctx := context.Background()
	if *position != "" {
		p, err := config.ParsePosition(*position)
		if err != nil {
			log.Error(ctx, "invalid position", logging.Err(err))
			os.Exit(1)
		}
		cfg.Terminal = p
	}
	if err := cfg.Validate(); err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		os.Exit(1)
	}

	shutdownTracing, err := observability.InitTracing(ctx,
		observability.TracingConfigFromEnv().ForNode(observability.RoleTerminal, *id), log)
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
	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: collector.Handler(), ReadHeaderTimeout: 15 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn(ctx, "metrics server exited", logging.Err(err))
			}
		}()
		defer srv.Close()
	}

	dir := kb.NewRegistry(cfg.RegistryMax)
	if err := dir.RegisterRange(kb.PortConvention{Host: cfg.ListenHost, BasePort: cfg.BasePort}, 1, cfg.Satellites); err != nil {
		log.Error(ctx, "failed to register satellites", logging.Err(err))
		os.Exit(1)
	}

	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		log.Error(ctx, "failed to bind terminal socket", logging.Err(err))
		os.Exit(1)
	}
	defer conn.Close()

	sender := transport.NewReliableSender(conn, uint32(*id), transport.SenderConfig{
		ChunkSize:      cfg.ChunkSize,
		Timeout:        cfg.SocketTimeout,
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay,
		ReadBufferSize: cfg.ReceiveBuffer,
	},
		transport.WithSenderLogger(log),
		transport.WithSenderMetrics(collector.Sender(*id)),
	)
	term := terminal.New(cfg.Terminal, sender, dir,
		terminal.WithConfig(terminal.Config{DebugInterval: cfg.DebugInterval}),
		terminal.WithLogger(log),
		terminal.WithMetrics(collector.Terminal(*id)),
	)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *interval > 0 {
		err = term.RunPeriodic(runCtx, []byte(*message), *interval)
	} else {
		messages := make(chan []byte, 1)
		messages <- []byte(*message)
		close(messages)
		err = term.Run(runCtx, messages)
	}
	if err != nil && runCtx.Err() == nil {
		log.Error(ctx, "terminal stopped", logging.Err(err))
	}

	term.Close()
	fmt.Print(term.Summary())
	st := sender.Stats()
	fmt.Printf("sender: %d chunks sent, %d acked, %d lost, %d retries, mean rtt %s\n",
		st.ChunksSent, st.ChunksAcked, st.ChunksLost, st.Retries, st.MeanRTT())
}
