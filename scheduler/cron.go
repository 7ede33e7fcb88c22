package scheduler

import (
	"github.com/robfig/cron/v3"

	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
)

// cronParser is the standard 5-field minute/hour/day/month/weekday parser
// (§4.4 "Cron semantics"), without the seconds field some robfig/cron
// presets add.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextExecution computes the smallest future time satisfying expr, strictly
// after now.
func NextExecution(expr string, now clock.Timestamp) (clock.Timestamp, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0, errs.NewValidation("invalid cron expression: " + err.Error())
	}
	next := sched.Next(now.Time())
	return clock.Timestamp(next.Unix()), nil
}
