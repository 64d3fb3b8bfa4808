// Package connectivity tracks whether the remote backend is reachable. The
// rest of the service never probes the network directly; it asks the
// observer's cached answer or subscribes to transitions.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/campoverde/campo/pkg/metrics"
	"github.com/campoverde/campo/pkg/tracing"
)

var (
	// ErrObserverAlreadyRunning is returned when trying to start an already running observer
	ErrObserverAlreadyRunning = errors.New("connectivity observer already running")
)

const (
	// DefaultProbeInterval is the default interval between reachability probes
	DefaultProbeInterval = 15 * time.Second

	// DefaultProbeTimeout is the default timeout for a single probe
	DefaultProbeTimeout = 5 * time.Second

	// DefaultSafetyInterval is the default interval for the safety-net drain
	// trigger while online
	DefaultSafetyInterval = 5 * time.Minute
)

// Probe answers a single reachability question. The production probe is the
// backend client's Ping; tests inject their own.
type Probe interface {
	Ping(ctx context.Context) error
}

// Config holds configuration for the observer
type Config struct {
	// ProbeInterval is how often to probe the backend
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe attempt
	ProbeTimeout time.Duration

	// SafetyInterval is how often to fire subscribers anyway while online,
	// so items stranded by a missed transition still drain
	SafetyInterval time.Duration
}

// DefaultConfig returns the default observer configuration
func DefaultConfig() Config {
	return Config{
		ProbeInterval:  DefaultProbeInterval,
		ProbeTimeout:   DefaultProbeTimeout,
		SafetyInterval: DefaultSafetyInterval,
	}
}

// Observer polls a probe and caches the boolean result. Subscribers are
// notified once per offline-to-online transition, plus on a coarse safety
// interval while online.
type Observer struct {
	probe  Probe
	config Config
	logger ectologger.Logger

	online      bool
	everProbed  bool
	subscribers []func()
	stateMu     sync.RWMutex

	// Coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewObserver creates a new connectivity observer
func NewObserver(probe Probe, config Config, logger ectologger.Logger) *Observer {
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = DefaultProbeInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	if config.SafetyInterval <= 0 {
		config.SafetyInterval = DefaultSafetyInterval
	}

	return &Observer{
		probe:    probe,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

// Online returns the cached reachability state. Before the first probe
// completes it reports false, so enqueue-time drain triggers stay quiet
// during startup.
func (o *Observer) Online() bool {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.online
}

// Subscribe registers a callback fired on each offline-to-online transition
// and on the safety interval while online. Must be called before Start.
func (o *Observer) Subscribe(fn func()) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	o.subscribers = append(o.subscribers, fn)
}

// Start starts the probe loop
func (o *Observer) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrObserverAlreadyRunning
	}
	o.running = true
	o.mu.Unlock()

	o.logger.WithContext(ctx).Infof("Starting connectivity observer: probe_interval=%s safety_interval=%s",
		o.config.ProbeInterval, o.config.SafetyInterval)

	go o.probeLoop(ctx)

	return nil
}

// Stop stops the observer gracefully
func (o *Observer) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.mu.Unlock()

	close(o.stopCh)

	select {
	case <-o.stoppedC:
		o.logger.WithContext(ctx).Info("Connectivity observer stopped")
	case <-ctx.Done():
		o.logger.WithContext(ctx).Warn("Connectivity observer shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the observer is running
func (o *Observer) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// probeLoop polls the probe and fires the safety-net trigger
func (o *Observer) probeLoop(ctx context.Context) {
	defer close(o.stoppedC)

	probeTicker := time.NewTicker(o.config.ProbeInterval)
	defer probeTicker.Stop()

	safetyTicker := time.NewTicker(o.config.SafetyInterval)
	defer safetyTicker.Stop()

	// Probe immediately on start
	o.CheckNow(ctx)

	for {
		select {
		case <-o.stopCh:
			o.logger.WithContext(ctx).Debug("Connectivity probe loop stopping")
			return
		case <-probeTicker.C:
			o.CheckNow(ctx)
		case <-safetyTicker.C:
			if o.Online() {
				o.logger.WithContext(ctx).Debug("Safety-net drain trigger firing")
				o.notify()
			}
		}
	}
}

// CheckNow runs one probe and updates the cached state, firing subscribers
// when the backend just came back.
func (o *Observer) CheckNow(ctx context.Context) bool {
	ctx, span := tracing.StartSpan(ctx, "Observer.CheckNow")
	defer span.End()

	probeCtx, cancel := context.WithTimeout(ctx, o.config.ProbeTimeout)
	defer cancel()

	err := o.probe.Ping(probeCtx)
	online := err == nil

	o.stateMu.Lock()
	wasOnline := o.online
	first := !o.everProbed
	o.online = online
	o.everProbed = true
	o.stateMu.Unlock()

	if online {
		metrics.BackendOnline.Set(1)
	} else {
		metrics.BackendOnline.Set(0)
	}

	switch {
	case online && (first || !wasOnline):
		o.logger.WithContext(ctx).Info("Backend is reachable, firing drain trigger")
		o.notify()
	case !online && (first || wasOnline):
		o.logger.WithContext(ctx).WithError(err).Warn("Backend is unreachable, entering offline mode")
	}

	return online
}

func (o *Observer) notify() {
	o.stateMu.RLock()
	subscribers := make([]func(), len(o.subscribers))
	copy(subscribers, o.subscribers)
	o.stateMu.RUnlock()

	for _, fn := range subscribers {
		fn()
	}
}
