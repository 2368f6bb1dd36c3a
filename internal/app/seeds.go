package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logx "recurd/pkg/logx"
)

// syncSeeds upserts every schedule declared in cfg, by name. A seed that
// was applied earlier in this process and is gone from cfg is deleted.
// Rules without a timezone use the dispatcher's.
func (a *App) syncSeeds(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return nil
	}
	loc := a.sched.Location()
	want := make(map[string]struct{}, len(cfg.Schedules))

	var errs []error
	for i, seed := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		name := strings.TrimSpace(seed.Name)
		want[name] = struct{}{}

		rule, err := seed.Rule.Rule(loc)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.rule: %w", path, err))
			continue
		}
		job, err := mapJob(path+".job", seed.Job)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		v, err := a.sched.Upsert(ctx, name, rule, job, seed.IsEnabled())
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		a.log.Debug("schedule seeded",
			logx.String("schedule", v.Name),
			logx.String("id", v.ID),
			logx.Bool("enabled", v.Enabled),
			logx.Time("next_run", v.NextRun),
		)
	}

	a.seedMu.Lock()
	prev := a.seeded
	a.seeded = want
	a.seedMu.Unlock()

	for name := range prev {
		if _, ok := want[name]; ok {
			continue
		}
		sc, ok := a.schedules.FindByName(name)
		if !ok {
			continue
		}
		if err := a.sched.DeleteSchedule(ctx, sc.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove schedule %q: %w", name, err))
			continue
		}
		a.log.Info("schedule removed from config", logx.String("schedule", name), logx.String("id", sc.ID))
	}
	return errors.Join(errs...)
}
