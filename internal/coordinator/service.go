package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coedit/mcpd/internal/engine"
	"github.com/coedit/mcpd/internal/mcp"
	"github.com/coedit/mcpd/internal/observability"
)

var (
	ErrAlreadyRunning = errors.New("coordinator: already running")
	ErrNotRunning     = errors.New("coordinator: not running")
)

// Service bridges one protocol client and one engine handle, keeping the two
// operation vocabularies in sync for the lifetime of the process.
//
// Concurrency: the engine invokes its callback on an engine-owned goroutine;
// operations cross into the bridge through a buffered channel serviced by the
// forward worker, never by a direct call across contexts.
type Service struct {
	cfg       Config
	client    *mcp.Client
	eng       engine.Engine
	collector *observability.Collector

	forward     chan engine.Operation
	reconnectCh chan struct{}

	running   atomic.Bool
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	admin     *http.Server
	startedAt time.Time
}

func New(cfg Config, eng engine.Engine) *Service {
	cfg = cfg.WithDefaults()
	return &Service{
		cfg:         cfg,
		eng:         eng,
		collector:   observability.NewCollector(cfg.InstanceID),
		forward:     make(chan engine.Operation, cfg.ForwardBuffer),
		reconnectCh: make(chan struct{}, 1),
	}
}

// Start initializes the engine, connects the protocol client, and launches
// the background workers. Engine or connection failure fails fast; once
// running, connection loss is handled by the reconnect supervisor instead.
func (s *Service) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	s.startedAt = time.Now()

	if err := s.eng.Initialize(s.cfg.Engine); err != nil {
		s.running.Store(false)
		return fmt.Errorf("coordinator: engine init: %w", err)
	}
	s.eng.RegisterOperationCallback(s.enqueueEngineOperations)

	s.client = mcp.NewClient(s.cfg.Client)
	s.client.OnOperation(s.handleProtocolOperation)
	s.client.OnConnect(func() {
		s.collector.RecordConnection()
	})
	s.client.OnDisconnect(func() {
		s.collector.RecordDisconnection()
		s.wakeReconnect()
	})
	s.client.OnError(func(code int, message string) {
		s.collector.RecordError(code, message)
	})

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.client.Connect(ctx); err != nil {
		s.running.Store(false)
		cancel()
		if shutdownErr := s.eng.Shutdown(); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("engine_shutdown_failed")
		}
		return fmt.Errorf("coordinator: connect: %w", err)
	}

	s.wg.Add(2)
	go s.forwardLoop(runCtx)
	go s.reconnectLoop(runCtx)

	if s.cfg.AdminAddr != "" {
		s.startAdmin()
	}

	log.Info().
		Str("instance_id", s.cfg.InstanceID).
		Str("remote_instance_id", s.client.RemoteInstanceID()).
		Msg("coordinator_started")
	return nil
}

// Stop is the inverse of Start. Safe to call multiple times; each teardown
// step runs even if an earlier one errors.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		if s.cancel != nil {
			s.cancel()
		}
		if s.admin != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.admin.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("admin_shutdown_failed")
			}
			cancel()
		}
		if s.client != nil {
			s.client.Disconnect()
		}
		if err := s.eng.Shutdown(); err != nil {
			log.Error().Err(err).Msg("engine_shutdown_failed")
		}
		s.wg.Wait()
		log.Info().Str("instance_id", s.cfg.InstanceID).Msg("coordinator_stopped")
	})
}

// Run starts the service and blocks until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Service) Running() bool {
	return s.running.Load()
}

func (s *Service) Connected() bool {
	return s.client != nil && s.client.Connected()
}

// Metrics returns a consistent copy of the lifecycle/operation counters.
func (s *Service) Metrics() observability.Snapshot {
	return s.collector.Snapshot()
}

// Undo asks the engine to revert the last operation.
func (s *Service) Undo() error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	if err := s.eng.Undo(); err != nil {
		return fmt.Errorf("coordinator: undo: %w", err)
	}
	s.collector.RecordUndo()
	return nil
}

// Redo asks the engine to re-apply the last undone operation.
func (s *Service) Redo() error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	if err := s.eng.Redo(); err != nil {
		return fmt.Errorf("coordinator: redo: %w", err)
	}
	s.collector.RecordRedo()
	return nil
}

// enqueueEngineOperations runs on the engine's goroutine. It must never
// block the engine: when the forward buffer is full the operation is dropped
// and counted.
func (s *Service) enqueueEngineOperations(ops []engine.Operation) {
	for _, op := range ops {
		select {
		case s.forward <- op:
		default:
			log.Warn().
				Uint64("operation_id", op.OperationID).
				Msg("forward_queue_full")
			s.collector.RecordError(0, fmt.Sprintf("forward queue full, dropped operation %d", op.OperationID))
		}
	}
}

// forwardLoop drains the engine→protocol handoff queue on the bridge's own
// goroutine.
func (s *Service) forwardLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.forward:
			s.forwardOperation(ctx, op)
		}
	}
}

func (s *Service) forwardOperation(ctx context.Context, op engine.Operation) {
	wireOp, err := toProtocolOperation(op)
	if err != nil {
		log.Warn().Err(err).Uint64("operation_id", op.OperationID).Msg("forward_translate_failed")
		s.collector.RecordError(0, err.Error())
		return
	}
	if _, err := s.client.SendOperation(ctx, wireOp); err != nil {
		log.Warn().
			Err(err).
			Uint64("operation_id", op.OperationID).
			Str("type", wireOp.Type).
			Msg("forward_failed")
		s.collector.RecordError(0, err.Error())
		return
	}
	s.collector.RecordOperationForwarded()
}

// handleProtocolOperation runs on the client's receiver goroutine: translate
// and submit to the engine. An unknown type string is logged and dropped,
// never fatal.
func (s *Service) handleProtocolOperation(op mcp.Operation) {
	engOp, err := toEngineOperation(op)
	if err != nil {
		log.Warn().
			Err(err).
			Str("type", op.Type).
			Uint64("operation_id", op.OperationID).
			Msg("inbound_translate_dropped")
		s.collector.RecordError(0, err.Error())
		return
	}
	if err := s.eng.SubmitOperation(engOp); err != nil {
		log.Error().
			Err(err).
			Uint64("operation_id", op.OperationID).
			Msg("engine_submit_failed")
		s.collector.RecordError(0, err.Error())
		return
	}
	s.collector.RecordOperationReceived()
}

func (s *Service) wakeReconnect() {
	if !s.running.Load() {
		return
	}
	select {
	case s.reconnectCh <- struct{}{}:
	default:
	}
}

// reconnectLoop supervises the connection. On disconnect while running it
// waits the fixed delay then retries, looping until success or shutdown.
// Disconnection is recoverable, not fatal. An explicit loop with a stop
// check each iteration, never self-rescheduling.
func (s *Service) reconnectLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reconnectCh:
		}

		attempt := 0
		for s.running.Load() {
			if err := s.sleep(ctx, s.cfg.ReconnectDelay); err != nil {
				return
			}
			attempt++
			err := s.client.Connect(ctx)
			if err == nil {
				log.Info().Int("attempt", attempt).Msg("reconnected")
				break
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect_failed")
		}
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
