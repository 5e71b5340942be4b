package watcher

import (
	"context"
	"slices"
	"time"

	"github.com/ritzau/lineage-index/pkg/logging"
	"github.com/ritzau/lineage-index/pkg/model"
)

// Debouncer batches rapid file system events so a dbt run that rewrites the
// manifest several times triggers a single reload per project
type Debouncer struct {
	input       <-chan ChangeEvent
	output      chan ChangeEvent
	quietPeriod time.Duration
	maxWait     time.Duration
}

// NewDebouncer creates a new event debouncer
func NewDebouncer(input <-chan ChangeEvent, quietPeriod, maxWait time.Duration) *Debouncer {
	return &Debouncer{
		input:       input,
		output:      make(chan ChangeEvent, 10),
		quietPeriod: quietPeriod,
		maxWait:     maxWait,
	}
}

// Start begins processing events with debouncing
func (d *Debouncer) Start(ctx context.Context) {
	go d.run(ctx)
}

// run flushes once input has been quiet for quietPeriod, or maxWait after
// the first pending event, whichever comes first
func (d *Debouncer) run(ctx context.Context) {
	defer close(d.output)

	var (
		quiet   *time.Timer
		maxWait *time.Timer
		pending = make(map[model.ProjectID]ChangeEvent)
	)

	stop := func() {
		if quiet != nil {
			quiet.Stop()
			quiet = nil
		}
		if maxWait != nil {
			maxWait.Stop()
			maxWait = nil
		}
	}
	defer stop()

	flush := func() bool {
		stop()
		if len(pending) == 0 {
			return true
		}
		logging.Debug("flushing accumulated changes", "projects", len(pending))

		projects := make([]model.ProjectID, 0, len(pending))
		for p := range pending {
			projects = append(projects, p)
		}
		slices.Sort(projects)

		for _, p := range projects {
			ev := pending[p]
			delete(pending, p)
			ev.Timestamp = time.Now()
			select {
			case d.output <- ev:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	timerC := func(t *time.Timer) <-chan time.Time {
		if t == nil {
			return nil
		}
		return t.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.input:
			if !ok {
				flush()
				return
			}

			if prev, ok := pending[event.Project]; ok {
				prev.Type = prev.Type.Merge(event.Type)
				prev.Paths = append(prev.Paths, event.Paths...)
				pending[event.Project] = prev
			} else {
				pending[event.Project] = event
			}

			if quiet == nil {
				quiet = time.NewTimer(d.quietPeriod)
			} else {
				quiet.Reset(d.quietPeriod)
			}
			if maxWait == nil {
				maxWait = time.NewTimer(d.maxWait)
			}

		case <-timerC(quiet):
			if !flush() {
				return
			}

		case <-timerC(maxWait):
			if !flush() {
				return
			}
		}
	}
}

// Output returns the channel of debounced events
func (d *Debouncer) Output() <-chan ChangeEvent {
	return d.output
}
