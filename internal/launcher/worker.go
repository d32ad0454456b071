package launcher

import (
	"context"
	"log/slog"

	"github.com/loykin/svcplane/internal/unit"
)

// RunWorker is the body of a process unit: it builds the unit named by a from
// reg and runs it until it stops. Cancel ctx (for example on SIGTERM) for a
// graceful stop.
func RunWorker(ctx context.Context, a WorkerArgs, reg *unit.Registry, l *slog.Logger) error {
	values, err := a.Values()
	if err != nil {
		return err
	}
	spec := Spec{Name: a.Name, Kind: a.Kind, Addr: a.Addr, Interval: a.Interval, Params: values}
	if err := spec.validate(); err != nil {
		return err
	}
	u, err := build(reg, spec, l)
	if err != nil {
		return err
	}
	return u.Run(ctx)
}

func build(reg *unit.Registry, spec Spec, l *slog.Logger, opts ...unit.Option) (*unit.Unit, error) {
	if l == nil {
		l = slog.Default()
	}
	hooks, err := reg.New(spec.Kind, unit.Params{
		Name:     spec.Name,
		Interval: spec.Interval,
		Values:   spec.Params,
		Logger:   l.With("unit", spec.Name),
	})
	if err != nil {
		return nil, err
	}
	opts = append([]unit.Option{unit.WithInterval(spec.Interval), unit.WithLogger(l)}, opts...)
	return unit.New(spec.Name, spec.Addr, hooks, opts...), nil
}
