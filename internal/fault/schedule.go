package fault

import (
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cast"
)

// Schedule defers a fault either to a one-shot epoch deadline or to a cron
// expression. A nil schedule runs the fault once, immediately.
type Schedule struct {
	TimeoutInMilliseconds int64  `json:"timeoutInMilliseconds,omitempty"`
	CronExpression        string `json:"cronExpression,omitempty"`
}

// Cron expressions may carry a leading seconds field, as the control plane's
// scheduler accepts both forms.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// BuildSchedule returns the schedule for an epoch time or a cron expression.
// Supplying both is a ValidationError and supplying neither returns nil.
func BuildSchedule(epoch, cronExpr interface{}) (*Schedule, error) {
	hasEpoch := epoch != nil && cast.ToString(epoch) != ""
	expr := strings.TrimSpace(cast.ToString(cronExpr))
	hasCron := expr != ""

	switch {
	case hasEpoch && hasCron:
		return nil, invalid(ParamScheduleEpochTime, "set either %s or %s, not both", ParamScheduleEpochTime, ParamScheduleCron)
	case hasEpoch:
		ms, err := cast.ToInt64E(epoch)
		if err != nil || ms <= 0 {
			return nil, invalid(ParamScheduleEpochTime, "expected a positive epoch time, got %v", epoch)
		}
		return &Schedule{TimeoutInMilliseconds: ms}, nil
	case hasCron:
		if _, err := cronParser.Parse(expr); err != nil {
			return nil, invalid(ParamScheduleCron, "invalid cron expression %q: %v", expr, err)
		}
		return &Schedule{CronExpression: expr}, nil
	}
	return nil, nil
}
