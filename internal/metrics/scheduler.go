package metrics

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wjam/p304m-prometheus-exporter/internal/api"
	"github.com/wjam/p304m-prometheus-exporter/internal/cache"
	"github.com/wjam/p304m-prometheus-exporter/internal/errors"
	"github.com/wjam/p304m-prometheus-exporter/internal/klap"
	"github.com/wjam/p304m-prometheus-exporter/pkg/device"
)

// Handshaker establishes a new device session.
type Handshaker interface {
	Handshake(ctx context.Context) (*klap.Session, error)
}

// SchedulerConfig controls session reuse, retry and health evaluation.
type SchedulerConfig struct {
	// SessionTTL is how long a session is reused before a new handshake.
	// The device-advertised cookie timeout applies as well. Zero disables
	// the local limit.
	SessionTTL time.Duration

	// ScrapeTimeout bounds one collection including a possible re-handshake.
	ScrapeTimeout time.Duration

	// HealthMaxAge is how old the last success may be before the scheduler
	// reports unhealthy.
	HealthMaxAge time.Duration

	// FailureThreshold is the number of consecutive failed collections after
	// which the scheduler reports unhealthy.
	FailureThreshold int

	// Retry controls backoff between failed handshakes.
	Retry errors.RetryConfig
}

// DefaultSchedulerConfig returns the defaults used when configuration leaves a field unset.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SessionTTL:       10 * time.Minute,
		ScrapeTimeout:    time.Minute,
		HealthMaxAge:     5 * time.Minute,
		FailureThreshold: 3,
		Retry:            errors.DefaultRetryConfig(),
	}
}

// Result is the outcome of one Scrape. Snapshot is the newest snapshot
// available (nil if none was ever collected); Stale is set when it does not
// come from this scrape.
type Result struct {
	Snapshot *device.Snapshot
	Stale    bool
}

// Status is the scheduler's view of device health.
type Status struct {
	Attempted           bool        `json:"attempted"`
	FirstAttempt        time.Time   `json:"first_attempt,omitempty"`
	LastAttempt         time.Time   `json:"last_attempt,omitempty"`
	LastSuccess         time.Time   `json:"last_success,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastError           string      `json:"last_error,omitempty"`
	LastErrorKind       errors.Kind `json:"last_error_kind,omitempty"`
	AuthFailed          bool        `json:"auth_failed"`
	SessionActive       bool        `json:"session_active"`
	SessionCreated      time.Time   `json:"session_created,omitempty"`
	Handshakes          int         `json:"handshakes"`
	BackoffUntil        time.Time   `json:"backoff_until,omitempty"`
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock sets the clock used for session freshness, backoff and health.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithSnapshotCache sets the cache that holds the last known good snapshot.
func WithSnapshotCache(c *cache.SnapshotCache) SchedulerOption {
	return func(s *Scheduler) { s.cache = c }
}

// Scheduler decides when to talk to the device. It owns the single session
// slot, serializes all device traffic and keeps the last known good snapshot.
type Scheduler struct {
	transport  klap.Transport
	handshaker Handshaker
	client     *api.Client
	cache      *cache.SnapshotCache
	cfg        SchedulerConfig
	now        func() time.Time

	// mu serializes collections: handshake, commands and cache update.
	mu                sync.Mutex
	session           *klap.Session
	authErr           error
	handshakeFailures int
	lastHandshakeErr  error
	backoffUntil      time.Time

	statusMu sync.RWMutex
	status   Status
}

// NewScheduler creates a scheduler that talks to the device through transport
// and establishes sessions with handshaker.
func NewScheduler(transport klap.Transport, handshaker Handshaker, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = defaults.ScrapeTimeout
	}
	if cfg.HealthMaxAge <= 0 {
		cfg.HealthMaxAge = defaults.HealthMaxAge
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry = defaults.Retry
	}

	s := &Scheduler{
		transport:  transport,
		handshaker: handshaker,
		client:     api.NewClient(),
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = cache.NewSnapshotCache()
	}
	return s
}

// Cache returns the scheduler's snapshot cache.
func (s *Scheduler) Cache() *cache.SnapshotCache {
	return s.cache
}

// Capabilities returns the device capabilities resolved so far.
func (s *Scheduler) Capabilities() api.Capabilities {
	return s.client.Capabilities()
}

type scrapeOutcome struct {
	result Result
	err    error
}

// Scrape collects a fresh snapshot. On failure it returns the cached snapshot
// marked stale together with the error. Concurrent calls are serialized and
// each performs its own collection.
//
// The device exchange runs detached from ctx: if ctx ends first, Scrape
// returns ctx's error with the cached snapshot while the exchange finishes in
// the background, so the session is never left mid-request.
func (s *Scheduler) Scrape(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return s.cachedResult(), err
	}

	done := make(chan scrapeOutcome, 1)
	go func() {
		res, err := s.scrape(context.WithoutCancel(ctx))
		done <- scrapeOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		slog.Warn("scrape abandoned by caller, serving cached snapshot", "error", ctx.Err())
		return s.cachedResult(), ctx.Err()
	}
}

func (s *Scheduler) cachedResult() Result {
	snapshot, _ := s.cache.Get()
	return Result{Snapshot: snapshot, Stale: true}
}

// scrape waits its turn on mu before starting the ScrapeTimeout clock, so
// time queued behind other collections is not charged to this one.
func (s *Scheduler) scrape(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScrapeTimeout)
	defer cancel()

	start := s.now()
	snapshot, err := s.collect(ctx)
	s.recordOutcome(start, err)

	if err != nil {
		return s.cachedResult(), err
	}

	s.cache.Store(snapshot)
	return Result{Snapshot: snapshot}, nil
}

// collect runs one collection with at most one retry on a new session when
// the device expires the current one.
func (s *Scheduler) collect(ctx context.Context) (*device.Snapshot, error) {
	if s.authErr != nil {
		return nil, s.authErr
	}

	const maxAttempts = 2
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		session, err := s.ensureSession(ctx)
		if err != nil {
			return nil, err
		}

		snapshot, err := s.fetch(ctx, session)
		if err == nil {
			return snapshot, nil
		}
		lastErr = err

		switch {
		case errors.IsKind(err, errors.KindSessionExpired):
			s.discardSession("expired")
			if attempt < maxAttempts {
				RetryAttempts.Inc()
				slog.Info("device session expired, retrying on a new session", "error", err)
				continue
			}
		case errors.IsKind(err, errors.KindAuthentication):
			s.discardSession("authentication")
			s.authErr = err
			slog.Error("device rejected credentials, no further attempts will be made", "error", err)
		case errors.IsKind(err, errors.KindDecryption):
			// Keys no longer match what the device uses.
			s.discardSession(string(errors.KindDecryption))
		}
		return nil, err
	}

	return nil, lastErr
}

// ensureSession returns the current session or establishes a new one.
func (s *Scheduler) ensureSession(ctx context.Context) (*klap.Session, error) {
	now := s.now()

	if s.session != nil && !s.session.Fresh(now, s.cfg.SessionTTL) {
		s.discardSession("stale")
	}
	if s.session != nil {
		return s.session, nil
	}

	if now.Before(s.backoffUntil) {
		return nil, errors.NewDeviceError(errors.KindTransport, klap.PathHandshake1,
			fmt.Errorf("backing off until %s: %w", s.backoffUntil.Format(time.RFC3339), s.lastHandshakeErr))
	}

	session, err := s.handshaker.Handshake(ctx)
	if err != nil {
		Handshakes.WithLabelValues("failure").Inc()
		return nil, s.handshakeFailed(err)
	}

	Handshakes.WithLabelValues("success").Inc()
	s.handshakeFailures = 0
	s.lastHandshakeErr = nil
	s.backoffUntil = time.Time{}
	s.session = session

	s.statusMu.Lock()
	s.status.Handshakes++
	s.status.SessionActive = true
	s.status.SessionCreated = session.CreatedAt()
	s.status.BackoffUntil = time.Time{}
	s.statusMu.Unlock()

	slog.Info("device session established", "expires_at", session.ExpiresAt())
	return session, nil
}

func (s *Scheduler) handshakeFailed(err error) error {
	if errors.IsKind(err, errors.KindAuthentication) {
		s.authErr = err
		slog.Error("device rejected credentials, no further attempts will be made", "error", err)
		return err
	}

	s.handshakeFailures++
	s.lastHandshakeErr = err
	delay := s.cfg.Retry.CalculateDelay(s.handshakeFailures - 1)
	s.backoffUntil = s.now().Add(delay)

	s.statusMu.Lock()
	s.status.BackoffUntil = s.backoffUntil
	s.statusMu.Unlock()

	logFn := slog.Warn
	if s.handshakeFailures >= s.cfg.Retry.MaxAttempts {
		logFn = slog.Error
	}
	logFn("device handshake failed", "error", err, "kind", errors.KindOf(err),
		"failures", s.handshakeFailures, "retry_in", delay)
	return err
}

func (s *Scheduler) discardSession(reason string) {
	if s.session == nil {
		return
	}
	slog.Debug("discarding device session", "reason", reason, "requests", s.session.SequenceNumber())
	SessionDiscards.WithLabelValues(reason).Inc()
	s.session = nil

	s.statusMu.Lock()
	s.status.SessionActive = false
	s.status.SessionCreated = time.Time{}
	s.statusMu.Unlock()
}

// fetch issues both commands on session and builds a snapshot.
func (s *Scheduler) fetch(ctx context.Context, session *klap.Session) (*device.Snapshot, error) {
	r := &instrumentedRequester{next: klap.NewChannel(s.transport, session)}

	identity, err := s.client.GetDeviceInfo(ctx, r)
	if err != nil {
		return nil, err
	}

	outlets, err := s.client.GetOutletStatus(ctx, r)
	if err != nil {
		return nil, err
	}

	// Single plugs report no child IDs; the outlet is the device itself.
	for i := range outlets {
		if outlets[i].DeviceID == "" {
			outlets[i].DeviceID = identity.DeviceID
		}
	}

	snapshot, err := device.NewSnapshot(identity, outlets, s.now())
	if err != nil {
		return nil, errors.NewDeviceError(errors.KindParse, "snapshot", err)
	}
	return snapshot, nil
}

func (s *Scheduler) recordOutcome(start time.Time, err error) {
	now := s.now()
	elapsed := now.Sub(start).Seconds()

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	if !s.status.Attempted {
		s.status.Attempted = true
		s.status.FirstAttempt = start
	}
	s.status.LastAttempt = now
	s.status.AuthFailed = s.authErr != nil

	if err != nil {
		kind := errors.KindOf(err)
		ScrapeDuration.WithLabelValues("failure").Observe(elapsed)
		ScrapeErrors.WithLabelValues(string(kind)).Inc()
		s.status.ConsecutiveFailures++
		s.status.LastError = err.Error()
		s.status.LastErrorKind = kind
		slog.Warn("device collection failed", "error", err, "kind", kind,
			"consecutive_failures", s.status.ConsecutiveFailures)
	} else {
		ScrapeDuration.WithLabelValues("success").Observe(elapsed)
		LastScrapeTime.Set(float64(now.Unix()))
		s.status.ConsecutiveFailures = 0
		s.status.LastSuccess = now
		s.status.LastError = ""
		s.status.LastErrorKind = ""
	}

	if s.session != nil {
		SessionAge.Set(s.session.Age(now).Seconds())
	} else {
		SessionAge.Set(0)
	}
}

// Status returns a copy of the current health status.
func (s *Scheduler) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// HealthCheck reports whether the device is being collected from
// successfully. It never waits for a running collection and never changes
// scrape state.
func (s *Scheduler) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	st := s.Status()
	if st.AuthFailed {
		return fmt.Errorf("device rejected credentials: %s", st.LastError)
	}
	if !st.Attempted {
		return nil
	}
	if st.ConsecutiveFailures >= s.cfg.FailureThreshold {
		return fmt.Errorf("%d consecutive collections failed, last error: %s", st.ConsecutiveFailures, st.LastError)
	}

	reference := st.LastSuccess
	if reference.IsZero() {
		reference = st.FirstAttempt
	}
	if age := s.now().Sub(reference); age > s.cfg.HealthMaxAge {
		if st.LastSuccess.IsZero() {
			return fmt.Errorf("no successful collection since %s", reference.Format(time.RFC3339))
		}
		return fmt.Errorf("last successful collection %s ago exceeds %s", age.Round(time.Second), s.cfg.HealthMaxAge)
	}
	return nil
}

// instrumentedRequester records command round trips.
type instrumentedRequester struct {
	next api.Requester
}

func (r *instrumentedRequester) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	start := time.Now()
	result, err := r.next.Send(ctx, method, params)

	status := "success"
	if err != nil {
		var de *errors.DeviceError
		if stderrors.As(err, &de) {
			status = string(de.Kind)
		} else {
			status = string(errors.KindUnknown)
		}
	}
	DeviceRequestDuration.WithLabelValues(method, status).Observe(time.Since(start).Seconds())
	return result, err
}
