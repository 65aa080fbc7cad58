package sampling

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gyrolink/internal/groutine"
	"github.com/srg/gyrolink/internal/orientation"
)

// Generator maps time since activation to a sample
type Generator func(elapsed time.Duration) orientation.Sample

// SmoothMotion is a slow rocking motion with a steadily turning heading.
// Angles are radians; yaw is wrapped to (-π, π] like an azimuth.
func SmoothMotion(elapsed time.Duration) orientation.Sample {
	t := elapsed.Seconds()
	yaw := math.Mod(t*0.5236, 2*math.Pi) // 30°/s
	if yaw > math.Pi {
		yaw -= 2 * math.Pi
	}
	return orientation.Sample{
		Roll:  float32(0.35 * math.Sin(t)),
		Pitch: float32(0.26 * math.Cos(t*0.7)),
		Yaw:   float32(yaw),
	}
}

// SyntheticSource emits generated samples on a ticker.
type SyntheticSource struct {
	rate   time.Duration
	gen    Generator
	logger *logrus.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	routines groutine.Group
}

// NewSyntheticSource creates a source ticking every rate. A nil gen uses SmoothMotion.
func NewSyntheticSource(rate time.Duration, gen Generator, logger *logrus.Logger) *SyntheticSource {
	if rate <= 0 {
		rate = DefaultRate
	}
	if gen == nil {
		gen = SmoothMotion
	}
	return &SyntheticSource{rate: rate, gen: gen, logger: orDefault(logger)}
}

func (s *SyntheticSource) Start(ctx context.Context, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.routines.Go(ctx, "synthetic-source", func(ctx context.Context) {
		ticker := time.NewTicker(s.rate)
		defer ticker.Stop()
		start := time.Now()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				sink(s.gen(now.Sub(start)))
			}
		}
	})

	s.logger.WithField("rate", s.rate).Debug("Synthetic source started")
	return nil
}

// Stop halts the ticker and waits for the emitting goroutine. Stopping
// an idle source is a no-op.
func (s *SyntheticSource) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	s.routines.Wait()
	s.logger.Debug("Synthetic source stopped")
	return nil
}
