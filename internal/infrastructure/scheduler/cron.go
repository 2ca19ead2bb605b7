package scheduler

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/alem-hub/research-pipeline/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CRON SPECS
// ══════════════════════════════════════════════════════════════════════════════

// specParser accepts standard five-field specs and descriptors such as
// "@hourly" or "@every 5m".
var specParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSpec validates a cron spec.
func ParseSpec(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("scheduler: empty cron spec")
	}
	sched, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid cron spec %q: %w", spec, err)
	}
	return sched, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LOGGER ADAPTER
// ══════════════════════════════════════════════════════════════════════════════

// cronLogger routes robfig/cron's key-value logging into our logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logger.Err(err))...)
}

func kvFields(kv []interface{}) []logger.Field {
	out := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, logger.Any(key, kv[i+1]))
	}
	return out
}
