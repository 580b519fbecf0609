package authz

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"peerdesk/metrics"
)

type signalKind int

const (
	signalStart signalKind = iota
	signalStop
)

func (k signalKind) String() string {
	if k == signalStart {
		return "start"
	}
	return "stop"
}

type job struct {
	kind   signalKind
	signal Signal
}

// dispatcher delivers session signals in order on a single goroutine,
// retrying each with exponential backoff. abandoned is called once a
// signal runs out of retries.
type dispatcher struct {
	sessions   SessionStarter
	maxElapsed time.Duration
	log        *slog.Logger
	abandoned  func(kind signalKind, signal Signal, err error)

	mu     sync.Mutex
	queue  []job
	notify chan struct{}
}

func newDispatcher(sessions SessionStarter, maxElapsed time.Duration, log *slog.Logger, abandoned func(signalKind, Signal, error)) *dispatcher {
	return &dispatcher{
		sessions:   sessions,
		maxElapsed: maxElapsed,
		log:        log,
		abandoned:  abandoned,
		notify:     make(chan struct{}, 1),
	}
}

func (d *dispatcher) start(signal Signal) {
	d.enqueue(job{kind: signalStart, signal: signal})
}

func (d *dispatcher) stop(requestID string) {
	d.enqueue(job{kind: signalStop, signal: Signal{RequestID: requestID}})
}

func (d *dispatcher) enqueue(j job) {
	d.mu.Lock()
	d.queue = append(d.queue, j)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *dispatcher) next(ctx context.Context) (job, bool) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			j := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return j, true
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return job{}, false
		case <-d.notify:
		}
	}
}

func (d *dispatcher) run(ctx context.Context) {
	for {
		j, ok := d.next(ctx)
		if !ok {
			return
		}
		d.deliver(ctx, j)
	}
}

func (d *dispatcher) deliver(ctx context.Context, j job) {
	op := func() error {
		if j.kind == signalStart {
			return d.sessions.StartSession(ctx, j.signal)
		}
		return d.sessions.StopSession(ctx, j.signal.RequestID)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = d.maxElapsed

	err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		metrics.SessionDispatchFailures.Inc()
		d.log.Warn("Session signal failed, retrying",
			slog.String("signal", j.kind.String()),
			slog.String("request_id", j.signal.RequestID),
			slog.Duration("retry_in", wait),
			slog.String("error", err.Error()),
		)
	})
	if err == nil || ctx.Err() != nil {
		return
	}
	metrics.SessionDispatchFailures.Inc()
	d.log.Error("Session signal abandoned",
		slog.String("signal", j.kind.String()),
		slog.String("request_id", j.signal.RequestID),
		slog.String("error", err.Error()),
	)
	if d.abandoned != nil {
		d.abandoned(j.kind, j.signal, err)
	}
}

// LogSessions is a SessionStarter that only logs. It stands in when no
// capture pipeline is attached.
type LogSessions struct {
	Logger *slog.Logger
}

// StartSession logs the start signal.
func (s LogSessions) StartSession(_ context.Context, signal Signal) error {
	s.logger().Info("Session start requested",
		slog.String("request_id", signal.RequestID),
		slog.String("requester_device_id", signal.RequesterDeviceID),
		slog.Any("permissions", signal.GrantedPermissions.Strings()),
		slog.Time("expires_at", signal.ExpiresAt),
	)
	return nil
}

// StopSession logs the stop signal.
func (s LogSessions) StopSession(_ context.Context, requestID string) error {
	s.logger().Info("Session stop requested", slog.String("request_id", requestID))
	return nil
}

func (s LogSessions) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
