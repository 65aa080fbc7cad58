// Package transform applies a user Lua function to every sample before it
// is published, e.g. to compensate a mounting offset or convert units.
//
// The script must define a global function
//
//	function transform(roll, pitch, yaw)
//	    return roll, pitch, yaw
//	end
package transform

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/gyrolink/internal/orientation"
)

// FunctionName is the global the script must define
const FunctionName = "transform"

// ScriptError describes a failure loading or running the transform script
type ScriptError struct {
	Type       string // "syntax", "runtime", "api"
	Source     string
	Message    string
	Underlying error
}

func (e *ScriptError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("lua %s error in %s: %s", e.Type, e.Source, e.Message)
	}
	return fmt.Sprintf("lua %s error: %s", e.Type, e.Message)
}

func (e *ScriptError) Unwrap() error { return e.Underlying }

// Transformer runs the script's transform function. A Lua state is not
// goroutine-safe, so calls are serialized.
type Transformer struct {
	mu     sync.Mutex
	state  *lua.State
	source string
	logger *logrus.Logger

	applied atomic.Int64
	failed  atomic.Int64
}

// Load reads the script at path and compiles it
func Load(path string, logger *logrus.Logger) (*Transformer, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transform script: %w", err)
	}
	return New(path, string(code), logger)
}

// New compiles script and checks that it defines the transform function.
// source names the script in errors.
func New(source, script string, logger *logrus.Logger) (*Transformer, error) {
	if logger == nil {
		logger = logrus.New()
	}

	L := lua.NewState()
	L.OpenLibs()

	if err := L.DoString(script); err != nil {
		L.Close()
		return nil, &ScriptError{Type: "syntax", Source: source, Message: err.Error(), Underlying: err}
	}

	L.GetGlobal(FunctionName)
	isFn := L.IsFunction(-1)
	L.Pop(1)
	if !isFn {
		L.Close()
		return nil, &ScriptError{Type: "api", Source: source, Message: fmt.Sprintf("script must define function %s(roll, pitch, yaw)", FunctionName)}
	}

	logger.WithField("script", source).Info("Sample transform loaded")
	return &Transformer{state: L, source: source, logger: logger}, nil
}

// Apply returns the transformed sample. When the script fails or returns
// anything but three numbers, the input is returned unchanged.
func (t *Transformer) Apply(s orientation.Sample) orientation.Sample {
	out, err := t.call(s)
	if err != nil {
		t.failed.Add(1)
		t.logger.WithFields(logrus.Fields{
			"script": t.source,
			"error":  err,
		}).Warn("Transform failed, sample passed through")
		return s
	}
	t.applied.Add(1)
	return out
}

func (t *Transformer) call(s orientation.Sample) (orientation.Sample, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	L := t.state
	if L == nil {
		return s, &ScriptError{Type: "api", Source: t.source, Message: "transformer is closed"}
	}

	top := L.GetTop()
	defer L.SetTop(top)

	L.GetGlobal(FunctionName)
	L.PushNumber(float64(s.Roll))
	L.PushNumber(float64(s.Pitch))
	L.PushNumber(float64(s.Yaw))
	if err := L.Call(3, 3); err != nil {
		return s, &ScriptError{Type: "runtime", Source: t.source, Message: err.Error(), Underlying: err}
	}

	var vals [3]float32
	for i := range vals {
		idx := i - 3
		if !L.IsNumber(idx) {
			return s, &ScriptError{Type: "api", Source: t.source, Message: fmt.Sprintf("%s must return three numbers", FunctionName)}
		}
		vals[i] = float32(L.ToNumber(idx))
	}
	return orientation.Sample{Roll: vals[0], Pitch: vals[1], Yaw: vals[2]}, nil
}

// Counts returns how many samples were transformed and how many passed through on error
func (t *Transformer) Counts() (applied, failed int64) {
	return t.applied.Load(), t.failed.Load()
}

// Close releases the Lua state. Apply after Close passes samples through.
func (t *Transformer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != nil {
		t.state.Close()
		t.state = nil
	}
}
