package power

import (
	"fmt"
	"strings"
)

// Report collects the outcomes of a batch in input order.
type Report struct {
	Action   Action    `json:"action"`
	Outcomes []Outcome `json:"outcomes"`
}

// Succeeded returns the accepted outcomes.
func (r *Report) Succeeded() []Outcome {
	return r.filter(true)
}

// Failed returns the rejected outcomes.
func (r *Report) Failed() []Outcome {
	return r.filter(false)
}

func (r *Report) filter(ok bool) []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.OK() == ok {
			out = append(out, o)
		}
	}
	return out
}

// Err summarizes the failures, or returns nil when every request succeeded.
func (r *Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(failed))
	for _, o := range failed {
		names = append(names, o.ResourceName)
	}
	return fmt.Errorf("power %s failed for %d of %d resources: %s",
		r.Action, len(failed), len(r.Outcomes), strings.Join(names, ", "))
}
