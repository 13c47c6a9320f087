package coroutine

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

type (
	// Stats is a point in time snapshot of a Scheduler. Counts are read
	// without stopping the Processers, and are only mutually consistent
	// while the Scheduler is quiescent.
	Stats struct {
		Processers []ProcesserStats
		Tasks      int
		Timers     int
	}

	// ProcesserStats are the queue lengths of a single Processer.
	ProcesserStats struct {
		ID       int
		Runnable int
		IOReady  int
		Pinned   int
		New      int
		Waiting  int
		Garbage  int
		Running  TaskID
		Switches uint64
		Idle     bool
	}
)

// Live returns the number of unfinished tasks owned by the Processer.
func (x ProcesserStats) Live() int {
	n := x.Runnable + x.IOReady + x.Pinned + x.New + x.Waiting
	if x.Running != 0 {
		n++
	}
	return n
}

// Stats returns a snapshot of the Scheduler's queues.
func (s *Scheduler) Stats() Stats {
	procs := s.processers()
	stats := Stats{
		Processers: make([]ProcesserStats, len(procs)),
		Tasks:      s.TaskCount(),
		Timers:     s.TimerCount(),
	}
	for i, p := range procs {
		ps := ProcesserStats{
			ID:       p.id,
			Runnable: p.runnable.Len(),
			IOReady:  p.ioReady.Len(),
			Pinned:   p.pinned.Len(),
			New:      p.newTasks.Len(),
			Waiting:  p.waiting.Len(),
			Garbage:  p.gc.Len(),
			Switches: p.Switches(),
			Idle:     p.Idle(),
		}
		if tk := p.CurrentTask(); tk != nil {
			ps.Running = tk.id
		}
		stats.Processers[i] = ps
	}
	return stats
}

// TaskStates counts unreleased tasks by location, then state.
func (s *Scheduler) TaskStates() map[string]map[TaskState]int {
	out := make(map[string]map[TaskState]int)
	for _, tk := range s.snapshotTasks() {
		m := out[tk.location]
		if m == nil {
			m = make(map[TaskState]int)
			out[tk.location] = m
		}
		m[tk.State()]++
	}
	return out
}

// DebugString renders Stats and TaskStates, for diagnostics.
func (s *Scheduler) DebugString() string {
	stats := s.Stats()
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "tasks=%d timers=%d\n", stats.Tasks, stats.Timers)
	for _, p := range stats.Processers {
		_, _ = fmt.Fprintf(&b, "processer %d: runnable=%d io=%d pinned=%d new=%d waiting=%d gc=%d running=%d idle=%v switches=%d\n",
			p.ID, p.Runnable, p.IOReady, p.Pinned, p.New, p.Waiting, p.Garbage, p.Running, p.Idle, p.Switches)
	}

	type row struct {
		location string
		state    TaskState
		count    int
	}
	var rows []row
	for location, states := range s.TaskStates() {
		for state, count := range states {
			rows = append(rows, row{location, state, count})
		}
	}
	slices.SortFunc(rows, func(a, b row) int {
		if c := strings.Compare(a.location, b.location); c != 0 {
			return c
		}
		return int(a.state) - int(b.state)
	})
	for _, r := range rows {
		_, _ = fmt.Fprintf(&b, "%s %s %d\n", r.location, r.state, r.count)
	}
	return b.String()
}
