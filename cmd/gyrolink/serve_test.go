//go:build test

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/srg/gyrolink/internal/orchestrator"
	"github.com/srg/gyrolink/internal/peripheral"
	"github.com/srg/gyrolink/internal/testutils"
	"github.com/srg/gyrolink/pkg/config"
	"github.com/stretchr/testify/suite"
)

// syncWriter is a bytes.Buffer safe for one writer and concurrent readers
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

type ServeTestSuite struct {
	CommandTestSuite

	transport    *testutils.FakeTransport
	newTransport func(*config.Config, *logrus.Logger) peripheral.Transport
}

func TestServeTestSuite(t *testing.T) {
	suite.Run(t, new(ServeTestSuite))
}

func (s *ServeTestSuite) SetupSuite() {
	s.CommandTestSuite.SetupSuite()
	s.newTransport = newTransport
}

func (s *ServeTestSuite) TearDownSuite() {
	newTransport = s.newTransport
	s.CommandTestSuite.TearDownSuite()
}

func (s *ServeTestSuite) SetupTest() {
	s.transport = testutils.NewFakeTransport()
	newTransport = func(*config.Config, *logrus.Logger) peripheral.Transport {
		return s.transport
	}
}

func (s *ServeTestSuite) parseServeFlags(args ...string) (*pflag.FlagSet, *serveOptions) {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	opts := &serveOptions{}
	bindServeFlags(fs, opts)
	s.Require().NoError(fs.Parse(args), "flags MUST parse")
	return fs, opts
}

func (s *ServeTestSuite) TestFlagsOverlayConfig() {
	// GOAL: Verify only flags the user set override the configuration
	//
	// TEST SCENARIO: file sets name and rate → --name given → name from flag, rate from file

	path := filepath.Join(s.T().TempDir(), "gyrolink.yaml")
	s.Require().NoError(os.WriteFile(path, []byte("device_name: FromFile\nsample_rate: 20ms\n"), 0o600))
	cfg, err := loadConfig(path)
	s.Require().NoError(err)

	fs, opts := s.parseServeFlags("--name", "FromFlag", "--deny", "notify,connect", "--pty")
	opts.apply(fs, cfg)

	s.Assert().Equal("FromFlag", cfg.DeviceName, "explicit flag MUST win")
	s.Assert().Equal(20*time.Millisecond, cfg.SampleRate, "unset flag MUST NOT override the file")
	s.Assert().Equal([]string{"notify", "connect"}, cfg.Deny)
	s.Assert().True(cfg.PTYMirror)
	s.Assert().NoError(cfg.Validate())
}

func (s *ServeTestSuite) TestRuntimeFromConfig() {
	cfg := config.DefaultConfig()
	cfg.DeviceName = "Tracker"
	cfg.Deny = []string{"notify"}

	rt, err := newServeRuntime(cfg, s.Helper.Logger, strings.NewReader(""))
	s.Require().NoError(err, "runtime MUST assemble from defaults")
	defer func() { s.Require().NoError(rt.Close()) }()

	srv := rt.orch.Server()
	s.Assert().Equal("Tracker", srv.Name())
	s.Assert().Equal(peripheral.DefaultServiceDescriptor(), srv.Descriptor())
	s.Assert().Nil(rt.lines, "synthetic source MUST NOT read stdin")
	s.Assert().Nil(rt.sourceDone())
}

func (s *ServeTestSuite) TestRuntimeRejectsMissingScript() {
	cfg := config.DefaultConfig()
	cfg.TransformScript = filepath.Join(s.T().TempDir(), "missing.lua")

	_, err := newServeRuntime(cfg, s.Helper.Logger, strings.NewReader(""))

	s.Require().Error(err, "missing transform script MUST fail assembly")
	s.Assert().Contains(err.Error(), "failed to read transform script")
}

func (s *ServeTestSuite) TestStdinStream() {
	// GOAL: Verify stdin samples reach the peripheral and serve ends at EOF
	//
	// TEST SCENARIO: three lines on stdin (one malformed) → link advertised → last sample stored → "Sample stream closed"

	cfg := config.DefaultConfig()
	cfg.Source = "stdin"
	input := "0.1,0.2,0.3\nnot a sample\n1.0,0.5,-0.2\n"

	rt, err := newServeRuntime(cfg, s.Helper.Logger, strings.NewReader(input))
	s.Require().NoError(err)
	defer func() { s.Require().NoError(rt.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(rt.orch.StartAll(ctx))

	var out bytes.Buffer
	s.Require().NoError(printStatus(ctx, &out, rt), "EOF MUST end serve cleanly")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	s.Assert().Equal(`● advertising as "GyroData"`, lines[0])
	s.Assert().Equal("Sample stream closed", lines[len(lines)-1])

	s.Assert().Equal(testutils.Payload(1.0, 0.5, -0.2), string(rt.orch.Server().Value()),
		"last valid line MUST be the characteristic value")
	accepted, rejected := rt.lines.Counts()
	s.Assert().Equal(int64(2), accepted)
	s.Assert().Equal(int64(1), rejected)
}

func (s *ServeTestSuite) TestStatusStopsOnCancel() {
	s.transport.SetOutcome(testutils.AdvertisePending)
	rt, err := newServeRuntime(config.DefaultConfig(), s.Helper.Logger, strings.NewReader(""))
	s.Require().NoError(err)
	defer func() { s.Require().NoError(rt.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	s.Require().NoError(rt.orch.StartAll(ctx))

	done := make(chan error, 1)
	var out syncWriter
	go func() { done <- printStatus(ctx, &out, rt) }()

	s.Require().Eventually(func() bool {
		return out.String() != ""
	}, time.Second, 5*time.Millisecond, "initial status MUST be printed")
	rt.orch.Server().OnAdvertisingStarted()
	s.Eventually(func() bool {
		return strings.Contains(out.String(), "advertising as")
	}, time.Second, 5*time.Millisecond, "link change MUST be printed")

	cancel()
	select {
	case err := <-done:
		s.Assert().NoError(err, "cancellation MUST end serve without error")
	case <-time.After(time.Second):
		s.Fail("printStatus MUST return after cancellation")
	}
	s.Assert().True(strings.HasPrefix(out.String(), "◌ starting\n"), "initial status MUST be printed first")
}

func TestFormatLink(t *testing.T) {
	tests := []struct {
		link orchestrator.LinkStatus
		err  error
		want string
	}{
		{orchestrator.LinkAdvertising, nil, `● advertising as "GyroData"`},
		{orchestrator.LinkStarting, nil, "◌ starting"},
		{orchestrator.LinkFailed, nil, "✗ failed"},
		{orchestrator.LinkFailed, errors.New("radio off"), "✗ failed: radio off"},
		{orchestrator.LinkStopped, nil, "○ stopped"},
	}

	noColor := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = noColor }()

	for _, tt := range tests {
		if got := formatLink("GyroData", tt.link, tt.err); got != tt.want {
			t.Errorf("formatLink(%s) = %q, MUST be %q", tt.link, got, tt.want)
		}
	}
}

func TestFormatUserError(t *testing.T) {
	err := FormatUserError(peripheral.ErrTransportUnavailable)
	if !strings.Contains(err, "hint: make sure Bluetooth is powered on") {
		t.Fatalf("transport failures MUST carry a hint, got %q", err)
	}
	if got := FormatUserError(errors.New("plain")); got != "plain" {
		t.Fatalf("other errors MUST pass through, got %q", got)
	}
}
