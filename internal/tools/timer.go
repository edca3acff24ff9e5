package tools

import (
	"context"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
)

// TimerTool validates a reminder schedule and reports its next fire times.
// The actual delivery channel is external; this adapter answers "when".
type TimerTool struct {
	now func() time.Time
}

// NewTimerTool builds the timer adapter.
func NewTimerTool() *TimerTool {
	return &TimerTool{now: time.Now}
}

func (t *TimerTool) Name() string { return "timer.create" }

func (t *TimerTool) Description() string {
	return "Schedule a reminder. Args: {\"label\": string, \"schedule\": cron expression or duration like \"45m\"}"
}

func (t *TimerTool) Invoke(ctx context.Context, call Call) Result {
	label := strings.TrimSpace(StringArg(call, "label"))
	schedule := strings.TrimSpace(StringArg(call, "schedule"))
	if schedule == "" {
		return Failure("schedule argument is required")
	}

	now := t.now().UTC()

	// plain durations ("45m", "2h") are one-shot timers
	if d, err := time.ParseDuration(schedule); err == nil {
		if d <= 0 {
			return Failure("duration must be positive")
		}
		return Succeed(map[string]interface{}{
			"label":    label,
			"fires_at": now.Add(d).Format(time.RFC3339),
			"repeats":  false,
		})
	}

	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return Failure("invalid schedule %q: %v", schedule, err)
	}
	next := expr.NextN(now, 3)
	if len(next) == 0 {
		return Failure("schedule %q never fires", schedule)
	}
	fires := make([]string, 0, len(next))
	for _, ts := range next {
		fires = append(fires, ts.UTC().Format(time.RFC3339))
	}
	return Succeed(map[string]interface{}{
		"label":      label,
		"fires_at":   fires[0],
		"next_fires": fires,
		"repeats":    true,
	})
}
