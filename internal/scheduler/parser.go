package scheduler

import (
	"time"

	"github.com/adhocore/gronx"
)

// CalculateNextRun computes a trigger's next fire time from its kind and
// expression (§4.7 SUPPLEMENT: cron/interval/once triggers via
// adhocore/gronx). A cron expression is a standard five-field cron string;
// an interval expression is a Go duration ("90s", "5m"); a once expression
// is an RFC3339 timestamp, which only ever fires if it is still in the
// future. Any parse failure or an already-past "once" time yields nil,
// meaning the trigger has nothing left to schedule.
func CalculateNextRun(kind, expression string) *time.Time {
	switch kind {
	case "cron":
		next, err := gronx.NextTick(expression, false)
		if err != nil {
			return nil
		}
		return &next
	case "interval":
		d, err := time.ParseDuration(expression)
		if err != nil {
			return nil
		}
		next := time.Now().Add(d)
		return &next
	case "once":
		t, err := time.Parse(time.RFC3339, expression)
		if err != nil {
			return nil
		}
		if t.After(time.Now()) {
			return &t
		}
		return nil
	default:
		return nil
	}
}
