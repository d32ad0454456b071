// Package launcher starts worker units and hands the manager a liveness
// handle for each. Units run either on a goroutine of the manager's process
// or as a separate OS process re-executing the svcplane binary.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/loykin/svcplane/internal/logger"
)

var (
	ErrInvalidSpec = errors.New("launcher: invalid spec")
	// ErrInprocAddress is returned when a process unit is pointed at an
	// inproc:// broker it cannot reach.
	ErrInprocAddress = errors.New("launcher: process units need a tcp:// manager address")
	// ErrStillRunning is returned when the PID file of a unit names a live
	// process, usually a worker left behind by a previous manager.
	ErrStillRunning = errors.New("launcher: previous worker still running")
)

// Spec describes one unit to start.
type Spec struct {
	Name     string
	Kind     string
	Addr     string // manager broker address
	Interval time.Duration
	Params   map[string]string
	Log      logger.Config
	PIDDir   string // process units only
}

func (s Spec) validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidSpec)
	case s.Kind == "":
		return fmt.Errorf("%w: %s: empty kind", ErrInvalidSpec, s.Name)
	case s.Addr == "":
		return fmt.Errorf("%w: %s: empty manager address", ErrInvalidSpec, s.Name)
	}
	return nil
}

// Handle is the manager's view of a started unit.
type Handle interface {
	// IsAlive reports whether the unit's goroutine or process is still running.
	IsAlive() bool
	// Wait blocks until the unit is gone and returns why it ended.
	Wait() error
	// Kill asks the unit to end without going through the manager.
	Kill() error
}

// Launcher starts units. ctx bounds the start itself, not the unit's life.
type Launcher interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}

// WorkerArgs are the command line arguments of a process unit.
type WorkerArgs struct {
	Name      string
	Addr      string
	Kind      string
	Interval  time.Duration
	Params    []string // k=v
	LogLevel  string
	LogFormat string
}

// Bind registers the worker flags on fs.
func (a *WorkerArgs) Bind(fs *pflag.FlagSet) {
	fs.StringVar(&a.Name, "name", "", "unit name, also its socket identity")
	fs.StringVar(&a.Addr, "addr", "", "manager broker address")
	fs.StringVar(&a.Kind, "kind", "", "unit kind")
	fs.DurationVar(&a.Interval, "interval", 0, "loop interval")
	fs.StringArrayVar(&a.Params, "param", nil, "kind parameter as key=value (repeatable)")
	fs.StringVar(&a.LogLevel, "log-level", "", "log level")
	fs.StringVar(&a.LogFormat, "log-format", "", "log format: text, json, color")
}

// Values parses Params into a map.
func (a WorkerArgs) Values() (map[string]string, error) {
	out := make(map[string]string, len(a.Params))
	for _, p := range a.Params {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid param %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

// Args renders a in the form Bind parses.
func (a WorkerArgs) Args() []string {
	out := []string{"--name", a.Name, "--addr", a.Addr, "--kind", a.Kind}
	if a.Interval > 0 {
		out = append(out, "--interval", a.Interval.String())
	}
	for _, p := range a.Params {
		out = append(out, "--param", p)
	}
	if a.LogLevel != "" {
		out = append(out, "--log-level", a.LogLevel)
	}
	if a.LogFormat != "" {
		out = append(out, "--log-format", a.LogFormat)
	}
	return out
}

func workerArgs(s Spec) WorkerArgs {
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]string, 0, len(keys))
	for _, k := range keys {
		params = append(params, k+"="+s.Params[k])
	}
	return WorkerArgs{
		Name:      s.Name,
		Addr:      s.Addr,
		Kind:      s.Kind,
		Interval:  s.Interval,
		Params:    params,
		LogLevel:  s.Log.Level,
		LogFormat: s.Log.Format,
	}
}
