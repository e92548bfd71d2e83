package future

import "time"

// Group waits on several futures with a single deadline, the way
// golang.org/x/sync/errgroup waits on several goroutines. It is
// reimplemented locally rather than built on errgroup.Group because a
// Future's cancellation sentinel has no equivalent in errgroup's
// error-only model: a canceled future is not a failure, and Group must
// surface that distinction to callers such as
// ConnectionService.Close, which closes every channel in parallel and
// needs to know which ones were still pending when the deadline hit.
type Group struct {
	futures []*Future
}

// NewGroup returns an empty Group.
func NewGroup() *Group {
	return &Group{}
}

// Add registers a future to wait on.
func (g *Group) Add(f *Future) {
	g.futures = append(g.futures, f)
}

// Outcome reports, for one future in a Group, whether it completed
// before the deadline and (if so) its value.
type Outcome struct {
	Future    *Future
	Completed bool
	Value     interface{}
}

// Wait blocks until every registered future completes or timeout
// elapses, whichever comes first, and reports the outcome of each.
// A timeout of zero or less waits indefinitely.
func (g *Group) Wait(timeout time.Duration) []Outcome {
	outcomes := make([]Outcome, len(g.futures))

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	type result struct {
		index int
		value interface{}
	}
	done := make(chan result, len(g.futures))

	for i, f := range g.futures {
		i, f := i, f
		f.AddListener(func(value interface{}) {
			done <- result{index: i, value: value}
		})
	}

	remaining := len(g.futures)
	for remaining > 0 {
		select {
		case r := <-done:
			outcomes[r.index] = Outcome{Future: g.futures[r.index], Completed: true, Value: r.value}
			remaining--
		case <-deadline:
			for i := range outcomes {
				if !outcomes[i].Completed {
					outcomes[i].Future = g.futures[i]
				}
			}
			return outcomes
		}
	}

	return outcomes
}
