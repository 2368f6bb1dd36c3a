package executor

import (
	"context"

	"recurd/internal/schedule"
	logx "recurd/pkg/logx"
)

// Log is an executor that only logs the job. Useful for dry runs.
type Log struct {
	Logger logx.Logger
}

func (l Log) Run(ctx context.Context, job schedule.JobSpec) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := l.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Info("job run (log only)", logx.String("kind", job.Kind), logx.Any("params", job.Params))
	return nil, nil
}
