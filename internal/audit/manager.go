// Package audit keeps an append-only trail of bridge invocations: who asked
// for which operation, with what result.
package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/neogan74/poshost/internal/logger"
	"github.com/neogan74/poshost/internal/metrics"
)

var (
	ErrManagerClosed = errors.New("audit manager closed")
	ErrNilEvent      = errors.New("audit event is nil")
	// ErrBufferFull is returned under DropPolicyDrop when the queue is full.
	ErrBufferFull = errors.New("audit buffer full")
)

// DropPolicy decides what Record does when the queue is full.
type DropPolicy string

const (
	DropPolicyDrop  DropPolicy = "drop"
	DropPolicyBlock DropPolicy = "block"
)

// Config selects the sink and queueing behavior.
type Config struct {
	Enabled       bool
	Sink          string // "file" or "stdout"
	FilePath      string
	BufferSize    int
	FlushInterval time.Duration
	DropPolicy    DropPolicy
}

// Writer receives events from the delivery goroutine. Write and Flush are
// never called concurrently.
type Writer interface {
	Write(event *Event) error
	Flush() error
	Close(ctx context.Context) error
}

// Manager queues events and hands them to its Writer on one goroutine. The
// zero value and a nil *Manager are disabled and accept everything.
type Manager struct {
	cfg  Config
	log  logger.Logger
	sink Writer

	queue chan *Event
	quit  chan struct{}
	done  chan struct{}

	closing  atomic.Bool
	stopOnce sync.Once
	sinkOnce sync.Once
	sinkErr  error
}

// NewManager opens the configured sink. A disabled config returns a manager
// that records nothing.
func NewManager(cfg Config, log logger.Logger) (*Manager, error) {
	if !cfg.Enabled {
		return &Manager{cfg: cfg}, nil
	}
	w, err := newWriter(cfg)
	if err != nil {
		return nil, err
	}
	return NewManagerWithWriter(cfg, w, log), nil
}

// NewManagerWithWriter starts delivering to w.
func NewManagerWithWriter(cfg Config, w Writer, log logger.Logger) *Manager {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.DropPolicy == "" {
		cfg.DropPolicy = DropPolicyDrop
	}
	if cfg.Sink == "" {
		cfg.Sink = "custom"
	}
	if log == nil {
		log = logger.GetDefault()
	}

	m := &Manager{
		cfg:   cfg,
		log:   log.WithComponent("audit"),
		sink:  w,
		queue: make(chan *Event, cfg.BufferSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go m.deliver()
	return m
}

// Enabled reports whether events are kept.
func (m *Manager) Enabled() bool {
	return m != nil && m.sink != nil
}

// Record stamps event with an id and time when missing, queues it and
// returns the id.
func (m *Manager) Record(ctx context.Context, event *Event) (string, error) {
	if !m.Enabled() {
		return "", nil
	}
	if event == nil {
		return "", ErrNilEvent
	}
	if m.closing.Load() {
		m.dropped("manager_closed")
		return "", ErrManagerClosed
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case m.queue <- event:
		return event.ID, nil
	default:
	}
	if m.cfg.DropPolicy == DropPolicyDrop {
		m.dropped("buffer_full")
		return "", ErrBufferFull
	}

	select {
	case m.queue <- event:
		return event.ID, nil
	case <-m.quit:
		m.dropped("manager_closed")
		return "", ErrManagerClosed
	case <-ctx.Done():
		m.dropped("context_cancelled")
		return "", ctx.Err()
	}
}

func (m *Manager) dropped(reason string) {
	metrics.AuditEventsDroppedTotal.WithLabelValues(m.cfg.Sink, reason).Inc()
}

func (m *Manager) deliver() {
	defer close(m.done)

	tick := time.NewTicker(m.cfg.FlushInterval)
	defer tick.Stop()

	for {
		select {
		case ev := <-m.queue:
			m.write(ev)
		case <-tick.C:
			m.flush()
		case <-m.quit:
			for {
				select {
				case ev := <-m.queue:
					m.write(ev)
				default:
					m.flush()
					return
				}
			}
		}
	}
}

func (m *Manager) write(ev *Event) {
	if err := m.sink.Write(ev); err != nil {
		m.log.Error("Audit event lost",
			logger.String("operation", ev.Operation),
			logger.Error(err))
		metrics.AuditEventsTotal.WithLabelValues(m.cfg.Sink, "error").Inc()
		return
	}
	metrics.AuditEventsTotal.WithLabelValues(m.cfg.Sink, "written").Inc()
}

func (m *Manager) flush() {
	start := time.Now()
	if err := m.sink.Flush(); err != nil {
		m.log.Error("Audit flush failed", logger.Error(err))
		return
	}
	metrics.AuditWriterFlushDuration.WithLabelValues(m.cfg.Sink).Observe(time.Since(start).Seconds())
}

// Shutdown stops accepting events, writes what is queued and closes the
// sink. It is safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}
	m.stopOnce.Do(func() {
		m.closing.Store(true)
		close(m.quit)
	})

	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.sinkOnce.Do(func() { m.sinkErr = m.sink.Close(ctx) })
	return m.sinkErr
}
