package sampling

import (
	"bufio"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/gyrolink/internal/groutine"
	"github.com/srg/gyrolink/internal/orientation"
)

// LineSource reads "roll,pitch,yaw" lines from an external producer such
// as a sensor bridge piped into stdin.
//
// The reader is consumed by one goroutine started on the first Start and
// running until EOF. Start and Stop only switch forwarding on and off;
// lines read while stopped are discarded.
type LineSource struct {
	r      io.Reader
	logger *logrus.Logger

	once sync.Once
	sink atomic.Pointer[Sink]
	done chan struct{}
	err  atomic.Value // error

	accepted atomic.Int64
	rejected atomic.Int64
}

// NewLineSource creates a source over r
func NewLineSource(r io.Reader, logger *logrus.Logger) *LineSource {
	return &LineSource{r: r, logger: orDefault(logger), done: make(chan struct{})}
}

func (l *LineSource) Start(ctx context.Context, sink Sink) error {
	if !l.sink.CompareAndSwap(nil, &sink) {
		return ErrAlreadyRunning
	}
	l.once.Do(func() {
		groutine.Go(context.WithoutCancel(ctx), "line-source", l.read)
	})
	return nil
}

// Stop stops forwarding. Stopping an idle source is a no-op.
func (l *LineSource) Stop() error {
	l.sink.Store(nil)
	return nil
}

// Done is closed once the reader reaches EOF or fails
func (l *LineSource) Done() <-chan struct{} {
	return l.done
}

// Err returns the read error that ended the source, nil on clean EOF
func (l *LineSource) Err() error {
	if err, ok := l.err.Load().(error); ok {
		return err
	}
	return nil
}

// Counts returns the number of accepted and rejected lines
func (l *LineSource) Counts() (accepted, rejected int64) {
	return l.accepted.Load(), l.rejected.Load()
}

func (l *LineSource) read(_ context.Context) {
	defer close(l.done)

	scanner := bufio.NewScanner(l.r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		sample, err := orientation.Decode(line)
		if err != nil {
			l.rejected.Add(1)
			l.logger.WithFields(logrus.Fields{
				"line":  string(line),
				"error": err,
			}).Warn("Skipping malformed sample line")
			continue
		}
		l.accepted.Add(1)
		if sink := l.sink.Load(); sink != nil {
			(*sink)(sample)
		}
	}

	if err := scanner.Err(); err != nil {
		l.err.Store(err)
		l.logger.WithField("error", err).Error("Sample input failed")
		return
	}
	l.logger.Info("Sample input reached EOF")
}
