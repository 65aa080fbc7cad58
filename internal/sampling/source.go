// Package sampling produces orientation samples at a steady cadence and
// hands them to a sink. Sources are activated with Start and deactivated
// with Stop; both are safe to call from any goroutine.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gyrolink/internal/orientation"
)

// DefaultRate matches a game-rate motion sensor (20 Hz)
const DefaultRate = 50 * time.Millisecond

// ErrAlreadyRunning is returned by Start on an active source
var ErrAlreadyRunning = errors.New("source already running")

// Sink receives every produced sample. It is called from the source's
// goroutine and must not block for long.
type Sink func(orientation.Sample)

// Source is an activatable producer of samples.
type Source interface {
	Start(ctx context.Context, sink Sink) error
	Stop() error
}

// Kind names a source implementation in configuration
type Kind string

const (
	KindSynthetic Kind = "synthetic"
	KindStdin     Kind = "stdin"
)

// Kinds lists the accepted source names
var Kinds = []Kind{KindSynthetic, KindStdin}

// ParseKind validates a configured source name
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown source %q (expected one of %v)", s, Kinds)
}

func orDefault(logger *logrus.Logger) *logrus.Logger {
	if logger == nil {
		return logrus.New()
	}
	return logger
}
