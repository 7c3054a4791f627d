package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/leo-relay-simulator/internal/logging"
)

const tracerName = "github.com/signalsfoundry/leo-relay-simulator/internal/transport"

// ErrTimeout is returned by Query when no position reply arrives in time.
var ErrTimeout = errors.New("timed out waiting for reply")

// SenderConfig tunes chunking and retransmission.
type SenderConfig struct {
	ChunkSize      int
	Timeout        time.Duration
	MaxRetries     int // resends after the first attempt
	RetryDelay     time.Duration
	ReadBufferSize int
}

// DefaultSenderConfig returns 1 KiB chunks, a 1s ack timeout and 3 retries.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		ChunkSize:      1024,
		Timeout:        time.Second,
		MaxRetries:     3,
		ReadBufferSize: 2048,
	}
}

// SenderMetricsRecorder receives per-chunk outcomes.
type SenderMetricsRecorder interface {
	IncChunk(outcome string)
	IncRetry()
	IncDiscarded(reason string)
	ObserveRTT(d time.Duration)
	AddBytesSent(n int)
}

// SenderOption configures a ReliableSender.
type SenderOption func(*ReliableSender)

// WithSenderLogger attaches a logger.
func WithSenderLogger(l logging.Logger) SenderOption {
	return func(s *ReliableSender) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSenderMetrics attaches a metrics recorder.
func WithSenderMetrics(m SenderMetricsRecorder) SenderOption {
	return func(s *ReliableSender) { s.metrics = m }
}

// Result summarizes one Send.
type Result struct {
	Chunks    int
	Acked     int
	Lost      int
	BytesSent int
	Retries   int
	RTTs      []time.Duration
}

// Delivered reports whether every chunk was acknowledged.
func (r Result) Delivered() bool { return r.Lost == 0 && r.Acked == r.Chunks }

// Stats are running totals across every Send.
type Stats struct {
	ChunksSent  int
	ChunksAcked int
	ChunksLost  int
	BytesSent   int
	Retries     int
	RTTSamples  int
	TotalRTT    time.Duration
}

// MeanRTT returns the average acknowledged round trip.
func (s Stats) MeanRTT() time.Duration {
	if s.RTTSamples == 0 {
		return 0
	}
	return s.TotalRTT / time.Duration(s.RTTSamples)
}

// ReliableSender pushes payloads as checksummed chunks, each retried on
// timeout until acknowledged or out of attempts. One Send runs at a time.
type ReliableSender struct {
	conn     Conn
	senderID uint32
	cfg      SenderConfig

	log     logging.Logger
	metrics SenderMetricsRecorder
	tracer  trace.Tracer

	sendMu sync.Mutex
	buf    []byte

	statsMu sync.Mutex
	stats   Stats
}

// NewReliableSender wraps conn. Zero config fields take defaults.
func NewReliableSender(conn Conn, senderID uint32, cfg SenderConfig, opts ...SenderOption) *ReliableSender {
	def := DefaultSenderConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}

	s := &ReliableSender{
		conn:     conn,
		senderID: senderID,
		cfg:      cfg,
		log:      logging.Noop(),
		tracer:   otel.Tracer(tracerName),
		buf:      make([]byte, cfg.ReadBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SenderID is the origin id stamped on every Data packet.
func (s *ReliableSender) SenderID() uint32 { return s.senderID }

// Config returns the effective configuration.
func (s *ReliableSender) Config() SenderConfig { return s.cfg }

// Stats returns running totals.
func (s *ReliableSender) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Send transmits payload to addr. Timeouts are never returned as errors:
// chunks that exhaust their attempts are counted as lost and the next chunk
// is sent. An error means the context ended or the socket failed.
func (s *ReliableSender) Send(ctx context.Context, addr net.Addr, payload []byte) (Result, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ctx, log := logging.WithTransferLogger(ctx, s.log)
	ctx, span := s.tracer.Start(ctx, "transport.Send", trace.WithAttributes(
		attribute.String("peer", addr.String()),
		attribute.Int("payload_bytes", len(payload)),
	))
	defer span.End()

	chunks, err := Split(payload, s.cfg.ChunkSize)
	if err != nil {
		return Result{}, err
	}
	res := Result{Chunks: len(chunks)}
	total := uint32(len(chunks))

	for i, chunk := range chunks {
		seq := uint32(i)
		pkt := Encode(Data{Sender: s.senderID, Seq: seq, Total: total, Payload: chunk})

		acked := false
		for attempt := 0; attempt <= s.cfg.MaxRetries && !acked; attempt++ {
			if err := ctx.Err(); err != nil {
				s.finish(span, res)
				return res, err
			}
			if attempt > 0 {
				res.Retries++
				s.record(func(st *Stats) { st.Retries++ })
				if s.metrics != nil {
					s.metrics.IncRetry()
				}
				log.Debug(ctx, "retrying chunk", logging.Uint32("seq", seq), logging.Int("attempt", attempt+1))
				if err := sleepCtx(ctx, s.cfg.RetryDelay); err != nil {
					s.finish(span, res)
					return res, err
				}
			}

			sentAt := time.Now()
			if _, err := s.conn.WriteTo(pkt, addr); err != nil {
				if errors.Is(err, net.ErrClosed) {
					s.finish(span, res)
					return res, fmt.Errorf("send chunk %d: %w", seq, err)
				}
				log.Warn(ctx, "chunk write failed", logging.Uint32("seq", seq), logging.Err(err))
				continue
			}
			res.BytesSent += len(pkt)
			s.record(func(st *Stats) { st.BytesSent += len(pkt) })
			if s.metrics != nil {
				s.metrics.AddBytesSent(len(pkt))
			}

			ok, err := s.awaitAck(ctx, seq, sentAt.Add(s.cfg.Timeout))
			if err != nil {
				s.finish(span, res)
				return res, fmt.Errorf("await ack %d: %w", seq, err)
			}
			if ok {
				acked = true
				rtt := time.Since(sentAt)
				res.RTTs = append(res.RTTs, rtt)
				if s.metrics != nil {
					s.metrics.ObserveRTT(rtt)
				}
				s.record(func(st *Stats) {
					st.RTTSamples++
					st.TotalRTT += rtt
				})
			}
		}

		s.record(func(st *Stats) { st.ChunksSent++ })
		if acked {
			res.Acked++
			s.record(func(st *Stats) { st.ChunksAcked++ })
			s.incChunk("acked")
			continue
		}
		res.Lost++
		s.record(func(st *Stats) { st.ChunksLost++ })
		s.incChunk("lost")
		log.Warn(ctx, "chunk lost after retries",
			logging.Uint32("seq", seq),
			logging.Int("attempts", s.cfg.MaxRetries+1),
		)
	}

	s.finish(span, res)
	log.Info(ctx, "transfer finished",
		logging.String("peer", addr.String()),
		logging.Int("chunks", res.Chunks),
		logging.Int("acked", res.Acked),
		logging.Int("lost", res.Lost),
		logging.Int("bytes_sent", res.BytesSent),
	)
	return res, nil
}

// Query sends a single position inquiry to addr and waits up to the
// configured timeout for the reply.
func (s *ReliableSender) Query(ctx context.Context, addr net.Addr) (PositionReply, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := ctx.Err(); err != nil {
		return PositionReply{}, err
	}
	if _, err := s.conn.WriteTo(Encode(Inquiry{Sender: s.senderID}), addr); err != nil {
		return PositionReply{}, fmt.Errorf("send inquiry: %w", err)
	}

	deadline := time.Now().Add(s.cfg.Timeout)
	for {
		p, _, err := s.readResponse(ctx, deadline)
		if err != nil {
			return PositionReply{}, err
		}
		if reply, ok := p.(PositionReply); ok {
			return reply, nil
		}
	}
}

// awaitAck reads until an Ack for seq arrives or the deadline passes.
// Acks for other sequence numbers and corrupt datagrams are skipped.
func (s *ReliableSender) awaitAck(ctx context.Context, seq uint32, deadline time.Time) (bool, error) {
	for {
		p, _, err := s.readResponse(ctx, deadline)
		if errors.Is(err, ErrTimeout) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if ack, ok := p.(Ack); ok && ack.Seq == seq {
			return true, nil
		}
		if s.metrics != nil {
			s.metrics.IncDiscarded("unexpected")
		}
	}
}

// readResponse returns the next well-formed response before deadline.
func (s *ReliableSender) readResponse(ctx context.Context, deadline time.Time) (Packet, net.Addr, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil, ErrTimeout
		}
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return nil, nil, err
		}
		n, from, err := s.conn.ReadFrom(s.buf)
		if IsTimeout(err) {
			return nil, nil, ErrTimeout
		}
		if err != nil {
			return nil, nil, err
		}
		p, err := DecodeResponse(s.buf[:n])
		if err != nil {
			if s.metrics != nil {
				s.metrics.IncDiscarded("corrupt")
			}
			s.log.Debug(ctx, "discarding response", logging.String("from", from.String()), logging.Err(err))
			continue
		}
		return p, from, nil
	}
}

func (s *ReliableSender) record(fn func(*Stats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}

func (s *ReliableSender) incChunk(outcome string) {
	if s.metrics != nil {
		s.metrics.IncChunk(outcome)
	}
}

func (s *ReliableSender) finish(span trace.Span, res Result) {
	span.SetAttributes(
		attribute.Int("chunks", res.Chunks),
		attribute.Int("acked", res.Acked),
		attribute.Int("lost", res.Lost),
		attribute.Int("retries", res.Retries),
	)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
