package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurd/internal/schedule"
	logx "recurd/pkg/logx"
)

func TestMuxRoutesByKind(t *testing.T) {
	t.Parallel()
	m := NewMux()
	m.Handle("Backup", Func(func(ctx context.Context, job schedule.JobSpec) (any, error) {
		return "backup:" + job.Params["target"], nil
	}))
	m.Handle("noop", Log{Logger: logx.Nop()})

	out, err := m.Run(context.Background(), schedule.JobSpec{Kind: " backup ", Params: map[string]string{"target": "db"}})
	require.NoError(t, err)
	assert.Equal(t, "backup:db", out)

	_, err = m.Run(context.Background(), schedule.JobSpec{Kind: "restore"})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = m.Run(context.Background(), schedule.JobSpec{})
	assert.ErrorIs(t, err, ErrUnknownKind)

	m.Default(Log{})
	_, err = m.Run(context.Background(), schedule.JobSpec{})
	assert.NoError(t, err)

	assert.Equal(t, []string{"backup", "noop"}, m.Kinds())
	assert.True(t, m.Supports("NOOP"))
	assert.False(t, m.Supports("restore"))
}

func TestCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		params  map[string]string
		wantOut string
		wantErr string
	}{
		{name: "ok", params: map[string]string{"command": "echo hello"}, wantOut: "hello\n"},
		{name: "env", params: map[string]string{"command": "echo $GREETING", "env.GREETING": "hi"}, wantOut: "hi\n"},
		{name: "stderr captured", params: map[string]string{"command": "echo oops >&2; exit 3"}, wantOut: "oops\n", wantErr: "oops"},
		{name: "missing command", params: map[string]string{}, wantErr: "command"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := Command{}.Run(ctx, schedule.JobSpec{Kind: "command", Params: tt.params})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			if tt.wantOut != "" {
				assert.Equal(t, tt.wantOut, out)
			}
		})
	}
}

func TestCommandTruncatesOutput(t *testing.T) {
	t.Parallel()
	out, err := Command{MaxOutput: 8}.Run(context.Background(), schedule.JobSpec{
		Params: map[string]string{"command": "printf 0123456789abcdef"},
	})
	require.NoError(t, err)
	assert.Equal(t, "…89abcdef", out)
}

func TestCommandHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Command{}.Run(ctx, schedule.JobSpec{Params: map[string]string{"command": "sleep 5"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

type fakeUnits struct {
	calls  []string
	result string
	err    error
	closed int
}

func (f *fakeUnits) op(action string) func(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	return func(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
		f.calls = append(f.calls, action+" "+name+" "+mode)
		if f.err != nil {
			return 0, f.err
		}
		ch <- f.result
		return 1, nil
	}
}

func (f *fakeUnits) StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	return f.op("start")(ctx, name, mode, ch)
}

func (f *fakeUnits) StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	return f.op("stop")(ctx, name, mode, ch)
}

func (f *fakeUnits) RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	return f.op("restart")(ctx, name, mode, ch)
}

func (f *fakeUnits) Close() { f.closed++ }

func TestSystemd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	units := &fakeUnits{result: "done"}
	dials := 0
	s := &Systemd{Dial: func(ctx context.Context) (UnitController, error) {
		dials++
		return units, nil
	}}

	out, err := s.Run(ctx, schedule.JobSpec{Params: map[string]string{"unit": "nginx"}})
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	_, err = s.Run(ctx, schedule.JobSpec{Params: map[string]string{"unit": "backup.timer", "action": "Start"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"restart nginx.service replace", "start backup.timer replace"}, units.calls)
	assert.Equal(t, 1, dials)

	units.result = "failed"
	_, err = s.Run(ctx, schedule.JobSpec{Params: map[string]string{"unit": "nginx", "action": "stop"}})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "job failed"))

	_, err = s.Run(ctx, schedule.JobSpec{Params: map[string]string{"unit": "nginx", "action": "reload"}})
	assert.Error(t, err)

	units.err = errors.New("bus gone")
	_, err = s.Run(ctx, schedule.JobSpec{Params: map[string]string{"unit": "nginx"}})
	require.Error(t, err)
	assert.Equal(t, 1, units.closed)

	units.err = nil
	units.result = "done"
	_, err = s.Run(ctx, schedule.JobSpec{Params: map[string]string{"unit": "nginx"}})
	require.NoError(t, err)
	assert.Equal(t, 2, dials)

	_, err = s.Run(ctx, schedule.JobSpec{})
	assert.ErrorIs(t, err, ErrMissingParam)
}
