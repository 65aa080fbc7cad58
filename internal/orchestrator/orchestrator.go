// Package orchestrator owns the peripheral server and the sample source and
// is the only caller of the server lifecycle. It turns the server's
// advertising state into a LinkStatus and publishes an Update stream for
// host UIs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gyrolink/internal/orientation"
	"github.com/srg/gyrolink/internal/peripheral"
	"github.com/srg/gyrolink/internal/ringchan"
	"github.com/srg/gyrolink/internal/sampling"
)

const (
	// DefaultRefreshTimeout bounds how long Refresh waits for the advertising outcome
	DefaultRefreshTimeout = 5 * time.Second

	// DefaultUpdateBuffer is the Updates channel capacity
	DefaultUpdateBuffer = 16
)

// Transformer rewrites a sample before it is published
type Transformer interface {
	Apply(orientation.Sample) orientation.Sample
}

type options struct {
	logger         *logrus.Logger
	serverOpts     []peripheral.Option
	transform      Transformer
	mirror         io.Writer
	refreshTimeout time.Duration
	updateBuffer   int
}

// Option configures an Orchestrator
type Option func(*options)

// WithLogger sets the logger shared with the server
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithServerOptions passes options through to the peripheral server
func WithServerOptions(opts ...peripheral.Option) Option {
	return func(o *options) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// WithTransform applies t to every sample before ingest
func WithTransform(t Transformer) Option {
	return func(o *options) {
		o.transform = t
	}
}

// WithMirror also writes every encoded payload to w. Write errors are logged.
func WithMirror(w io.Writer) Option {
	return func(o *options) {
		o.mirror = w
	}
}

// WithRefreshTimeout overrides DefaultRefreshTimeout
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.refreshTimeout = d
		}
	}
}

// WithUpdateBuffer overrides DefaultUpdateBuffer
func WithUpdateBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.updateBuffer = n
		}
	}
}

// Orchestrator wires Source → (transform) → Server and controls the link.
type Orchestrator struct {
	server *peripheral.Server
	source sampling.Source
	opts   options
	logger *logrus.Logger

	updates *ringchan.RingChannel[Update]

	opMu     sync.Mutex // serializes StartAll, StopAll, Refresh and Close
	sampling atomic.Bool

	mu        sync.Mutex // guards last and hasSample
	last      orientation.Sample
	hasSample bool
}

// New creates an Orchestrator and the server it owns over transport.
func New(transport peripheral.Transport, source sampling.Source, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source: source,
		opts: options{
			logger:         logrus.New(),
			refreshTimeout: DefaultRefreshTimeout,
			updateBuffer:   DefaultUpdateBuffer,
		},
	}
	for _, opt := range opts {
		opt(&o.opts)
	}
	o.logger = o.opts.logger
	o.updates = ringchan.New[Update](o.opts.updateBuffer)

	serverOpts := append([]peripheral.Option{
		peripheral.WithLogger(o.logger),
		peripheral.WithStateObserver(o.onStateChange),
	}, o.opts.serverOpts...)
	o.server = peripheral.NewServer(transport, serverOpts...)
	return o
}

// StartAll activates the source and starts the server. A server that
// cannot advertise is logged and reported through Updates; sampling keeps
// running and the returned error only reflects the source.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if !o.sampling.Load() {
		if err := o.source.Start(ctx, o.ingest); err != nil {
			return fmt.Errorf("failed to start sample source: %w", err)
		}
		o.sampling.Store(true)
	}

	if o.server.State() != peripheral.StateStopped {
		return nil
	}
	if err := o.server.Start(); err != nil {
		o.logger.WithField("error", err).Warn("Peripheral not started, sampling continues without a link")
	}
	return nil
}

// StopAll deactivates the source and stops the server.
func (o *Orchestrator) StopAll() error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.stopAllLocked()
}

func (o *Orchestrator) stopAllLocked() error {
	var errs []error
	if o.sampling.Load() {
		if err := o.source.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop sample source: %w", err))
		}
		o.sampling.Store(false)
	}
	if err := o.server.Stop(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Refresh restarts the link and waits, bounded by the refresh timeout, for
// the advertising outcome. It returns LinkAdvertising or LinkFailed. When
// the wait times out the server may still settle later; that transition
// is delivered through Updates.
func (o *Orchestrator) Refresh(ctx context.Context) (LinkStatus, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if err := o.server.Stop(); err != nil {
		return LinkFailed, err
	}

	if err := o.server.Start(); err != nil {
		if peripheral.IsKind(err, peripheral.CapabilityDenied) {
			return LinkFailed, err
		}
		o.logger.WithField("error", err).Warn("Refresh failed to start advertising")
		return LinkFailed, nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.refreshTimeout)
	defer cancel()

	st, err := o.server.AwaitSettled(ctx)
	if err != nil {
		o.logger.WithFields(logrus.Fields{
			"state":   st,
			"timeout": o.opts.refreshTimeout,
		}).Warn("Advertising outcome not reported in time")
		return LinkFailed, nil
	}

	link := linkFromState(st)
	if link != LinkAdvertising {
		return LinkFailed, nil
	}
	return link, nil
}

// Updates returns the update stream. Slow consumers lose the oldest updates.
// The channel is closed by Close.
func (o *Orchestrator) Updates() <-chan Update {
	return o.updates.C()
}

// Snapshot returns the current state for display
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	sample, has := o.last, o.hasSample
	o.mu.Unlock()

	reg := o.server.Registry()
	return Snapshot{
		Sample:     sample,
		HasSample:  has,
		Link:       linkFromState(o.server.State()),
		LastError:  o.server.LastError(),
		Sampling:   o.sampling.Load(),
		Peers:      reg.Len(),
		Subscribed: len(reg.SubscribedPeers()),
		Stats:      o.server.GetStats(),
	}
}

// Server exposes the owned server for inspection
func (o *Orchestrator) Server() *peripheral.Server {
	return o.server
}

// Close stops everything and closes the update stream
func (o *Orchestrator) Close() error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	err := o.stopAllLocked()
	o.updates.Close()
	return err
}

func (o *Orchestrator) ingest(s orientation.Sample) {
	if o.opts.transform != nil {
		s = o.opts.transform.Apply(s)
	}

	o.server.Ingest(s)

	if o.opts.mirror != nil {
		if _, err := o.opts.mirror.Write(orientation.EncodeSample(s)); err != nil {
			o.logger.WithField("error", err).Debug("Mirror write failed")
		}
	}

	o.mu.Lock()
	o.last, o.hasSample = s, true
	o.mu.Unlock()

	o.updates.Send(Update{Sample: s, Link: linkFromState(o.server.State())})
}

// onStateChange runs under the server's state lock and must not call into the server
func (o *Orchestrator) onStateChange(c peripheral.StateChange) {
	o.mu.Lock()
	sample := o.last
	o.mu.Unlock()

	fields := logrus.Fields{"from": c.From, "to": c.To}
	if c.Reason != nil {
		fields["error"] = c.Reason
	}
	o.logger.WithFields(fields).Info("Link status changed")

	o.updates.Send(Update{Sample: sample, Link: linkFromState(c.To)})
}
