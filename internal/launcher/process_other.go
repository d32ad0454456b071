//go:build !unix

package launcher

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Process is only available on unix systems.
type Process struct {
	Path        string
	Args        []string
	Env         []string
	Logger      *slog.Logger
	StopTimeout time.Duration
}

func (p *Process) Spawn(context.Context, Spec) (Handle, error) {
	return nil, errors.New("launcher: process units are not supported on this platform")
}
