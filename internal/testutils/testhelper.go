package testutils

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/gyrolink/internal/orientation"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Payload returns the wire payload for a triple as a string
func Payload(roll, pitch, yaw float32) string {
	return string(orientation.Encode(roll, pitch, yaw))
}

// Samples returns n distinct samples with increasing roll
func Samples(n int) []orientation.Sample {
	out := make([]orientation.Sample, n)
	for i := range out {
		out[i] = orientation.Sample{Roll: float32(i) * 0.001, Pitch: 0.5, Yaw: -0.2}
	}
	return out
}
