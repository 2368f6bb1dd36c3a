package logx

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"
)

type journalSink interface {
	Enabled() bool
	Send(message string, priority journal.Priority, vars map[string]string) error
}

type systemJournal struct{}

func (systemJournal) Enabled() bool { return journal.Enabled() }

func (systemJournal) Send(message string, priority journal.Priority, vars map[string]string) error {
	return journal.Send(message, priority, vars)
}

// journalWriter turns zerolog JSON events into journald entries: the
// message becomes MESSAGE, every other key becomes an upper-cased field
// (comp -> COMP, schedule -> SCHEDULE) so `journalctl SCHEDULE=nightly`
// works.
type journalWriter struct {
	sink journalSink
}

func (w *journalWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *journalWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	var ev map[string]any
	if err := json.Unmarshal(p, &ev); err != nil {
		// Not an event; pass the raw line through.
		return len(p), w.sink.Send(strings.TrimSpace(string(p)), priority(level), nil)
	}

	msg, _ := ev[zerolog.MessageFieldName].(string)
	vars := make(map[string]string, len(ev))
	for k, v := range ev {
		switch k {
		case zerolog.MessageFieldName, zerolog.LevelFieldName, zerolog.TimestampFieldName:
			continue
		}
		name := journalVar(k)
		if name == "" {
			continue
		}
		if s, ok := v.(string); ok {
			vars[name] = s
		} else {
			vars[name] = fmt.Sprint(v)
		}
	}
	return len(p), w.sink.Send(msg, priority(level), vars)
}

func priority(level zerolog.Level) journal.Priority {
	switch level {
	case zerolog.DebugLevel, zerolog.TraceLevel:
		return journal.PriDebug
	case zerolog.WarnLevel:
		return journal.PriWarning
	case zerolog.ErrorLevel:
		return journal.PriErr
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return journal.PriCrit
	default:
		return journal.PriInfo
	}
}

// journalVar maps a log key to a journald field name: A-Z, 0-9 and '_',
// not starting with '_' (reserved for trusted fields).
func journalVar(key string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(key) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.TrimLeft(b.String(), "_0123456789")
}
