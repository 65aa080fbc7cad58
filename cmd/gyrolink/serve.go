package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/gyrolink/internal/orchestrator"
	"github.com/srg/gyrolink/internal/peripheral"
	goble "github.com/srg/gyrolink/internal/peripheral/go-ble"
	"github.com/srg/gyrolink/internal/ptyio"
	"github.com/srg/gyrolink/internal/sampling"
	"github.com/srg/gyrolink/internal/transform"
	"github.com/srg/gyrolink/pkg/config"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Advertise and stream orientation samples",
	Long: `Runs the BLE peripheral: advertises the orientation service and notifies
every subscribed central with the latest "roll,pitch,yaw" payload.

Examples:
  # Stream the built-in motion generator
  gyrolink serve

  # Stream samples produced by another program
  imu-reader | gyrolink serve --source stdin

  # Apply a mounting offset and mirror the stream to a PTY
  gyrolink serve --script mount.lua --pty

  # Simulate a host that withholds the notify permission
  gyrolink serve --deny notify --tui`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// serveOptions are the flags that override the configuration file
type serveOptions struct {
	configPath string
	name       string
	source     string
	rate       time.Duration
	deny       []string
	pty        bool
	script     string
	tui        bool
	verbose    bool
}

var serveOpts serveOptions

func init() {
	bindServeFlags(serveCmd.Flags(), &serveOpts)
}

func bindServeFlags(fs *pflag.FlagSet, o *serveOptions) {
	fs.StringVar(&o.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&o.name, "name", peripheral.DefaultDeviceName, "Advertised device name")
	fs.StringVar(&o.source, "source", string(sampling.KindSynthetic), "Sample source: synthetic or stdin")
	fs.DurationVar(&o.rate, "rate", sampling.DefaultRate, "Synthetic sample interval")
	fs.StringSliceVar(&o.deny, "deny", nil, "Capabilities to withhold (advertise, connect, notify)")
	fs.BoolVar(&o.pty, "pty", false, "Mirror the payload stream to a pseudo-terminal")
	fs.StringVar(&o.script, "script", "", "Lua script defining transform(roll, pitch, yaw)")
	fs.BoolVar(&o.tui, "tui", false, "Show the terminal dashboard")
	fs.BoolVar(&o.verbose, "verbose", false, "Enable debug logging")
}

// apply overlays the flags the user actually set onto cfg
func (o *serveOptions) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("name") {
		cfg.DeviceName = o.name
	}
	if fs.Changed("source") {
		cfg.Source = o.source
	}
	if fs.Changed("rate") {
		cfg.SampleRate = o.rate
	}
	if fs.Changed("deny") {
		cfg.Deny = append([]string{}, o.deny...)
	}
	if fs.Changed("pty") {
		cfg.PTYMirror = o.pty
	}
	if fs.Changed("script") {
		cfg.TransformScript = o.script
	}
}

// newTransport creates the radio backend (can be overridden in tests)
var newTransport = func(cfg *config.Config, logger *logrus.Logger) peripheral.Transport {
	return goble.NewTransport(logger, goble.WithSettleDelay(cfg.AdvertiseSettle))
}

// loadConfig returns the defaults, or the file at path over the defaults
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// serveRuntime is everything serve assembles from a Config
type serveRuntime struct {
	orch      *orchestrator.Orchestrator
	transport peripheral.Transport
	lines     *sampling.LineSource
	mirror    *ptyio.Mirror
	script    *transform.Transformer
	name      string
}

func newServeRuntime(cfg *config.Config, logger *logrus.Logger, stdin io.Reader) (*serveRuntime, error) {
	caps, err := cfg.Capabilities()
	if err != nil {
		return nil, err
	}
	desc, err := cfg.Descriptor()
	if err != nil {
		return nil, err
	}
	kind, err := sampling.ParseKind(cfg.Source)
	if err != nil {
		return nil, err
	}

	rt := &serveRuntime{name: cfg.DeviceName}

	var source sampling.Source
	switch kind {
	case sampling.KindStdin:
		rt.lines = sampling.NewLineSource(stdin, logger)
		source = rt.lines
	default:
		source = sampling.NewSyntheticSource(cfg.SampleRate, sampling.SmoothMotion, logger)
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithRefreshTimeout(cfg.RefreshTimeout),
		orchestrator.WithUpdateBuffer(cfg.UpdateBuffer),
		orchestrator.WithServerOptions(
			peripheral.WithCapabilities(caps),
			peripheral.WithDescriptor(desc),
			peripheral.WithDeviceName(cfg.DeviceName),
		),
	}

	if cfg.TransformScript != "" {
		rt.script, err = transform.Load(cfg.TransformScript, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, orchestrator.WithTransform(rt.script))
	}

	if cfg.PTYMirror {
		rt.mirror, err = ptyio.Open(ptyio.Options{BufferSize: cfg.PTYBuffer, Logger: logger})
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("failed to open PTY mirror: %w", err)
		}
		opts = append(opts, orchestrator.WithMirror(rt.mirror))
	}

	rt.transport = newTransport(cfg, logger)
	rt.orch = orchestrator.New(rt.transport, source, opts...)
	return rt, nil
}

// sourceDone is closed when a stdin source reaches EOF; nil otherwise
func (rt *serveRuntime) sourceDone() <-chan struct{} {
	if rt.lines == nil {
		return nil
	}
	return rt.lines.Done()
}

// Close tears down in reverse order of assembly
func (rt *serveRuntime) Close() error {
	var errs []error
	if rt.orch != nil {
		errs = append(errs, rt.orch.Close())
	}
	if c, ok := rt.transport.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if rt.mirror != nil {
		errs = append(errs, rt.mirror.Close())
	}
	if rt.script != nil {
		rt.script.Close()
	}
	return errors.Join(errs...)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(serveOpts.configPath)
	if err != nil {
		return err
	}
	serveOpts.apply(cmd.Flags(), cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if serveOpts.tui && cfg.Source == string(sampling.KindStdin) {
		return fmt.Errorf("--tui needs the terminal and cannot be combined with --source stdin")
	}

	lvl, _ := cfg.Level()
	logger, err := configureLogger(cmd, "verbose", lvl)
	if err != nil {
		return err
	}
	if serveOpts.tui {
		// the dashboard owns the terminal
		logger.SetOutput(io.Discard)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		cancel()
	}()

	rt, err := newServeRuntime(cfg, logger, cmd.InOrStdin())
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.WithField("error", err).Warn("Shutdown incomplete")
		}
	}()

	if rt.mirror != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Mirroring payloads to %s\n", rt.mirror.TTYName())
	}

	if err := rt.orch.StartAll(ctx); err != nil {
		return err
	}

	if serveOpts.tui {
		return runDashboard(ctx, rt)
	}
	return printStatus(ctx, cmd.OutOrStdout(), rt)
}

// printStatus writes a line per link change until ctx ends or the stdin source is exhausted
func printStatus(ctx context.Context, out io.Writer, rt *serveRuntime) error {
	link := rt.orch.Snapshot().Link
	fmt.Fprintln(out, formatLink(rt.name, link, rt.orch.Snapshot().LastError))

	updates := rt.orch.Updates()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rt.sourceDone():
			if err := rt.lines.Err(); err != nil {
				return fmt.Errorf("%w: %w", ErrSourceEnded, err)
			}
			fmt.Fprintln(out, "Sample stream closed")
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.Link == link {
				continue
			}
			link = u.Link
			fmt.Fprintln(out, formatLink(rt.name, link, rt.orch.Snapshot().LastError))
		}
	}
}

// formatLink renders a one-line, colored link status
func formatLink(name string, link orchestrator.LinkStatus, lastErr error) string {
	switch link {
	case orchestrator.LinkAdvertising:
		return color.GreenString("● advertising as %q", name)
	case orchestrator.LinkStarting:
		return color.YellowString("◌ starting")
	case orchestrator.LinkFailed:
		if lastErr != nil {
			return color.RedString("✗ failed: %s", lastErr)
		}
		return color.RedString("✗ failed")
	default:
		return color.New(color.Faint).Sprint("○ stopped")
	}
}

func runDashboard(ctx context.Context, rt *serveRuntime) error {
	model := newDashboard(rt.name, rt.orch.Updates(), func() (orchestrator.LinkStatus, error) {
		return rt.orch.Refresh(ctx)
	})
	model.link = rt.orch.Snapshot().Link

	p := tea.NewProgram(model, tea.WithContext(ctx), tea.WithAltScreen())
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
