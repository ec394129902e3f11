package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const maxPhase = 10 * time.Second

// staggered fires every `every`, offset from registration by a phase derived
// from the job name. Jobs registered together land on different instants and a
// given job keeps the same phase across restarts.
type staggered struct {
	first time.Time
	every time.Duration
}

func (s staggered) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	k := t.Sub(s.first)/s.every + 1
	return s.first.Add(k * s.every)
}

func intervalSchedule(every time.Duration, now time.Time, name string) cron.Schedule {
	if every < time.Second {
		// cron.Every rounds to whole seconds; keep its behavior for tiny intervals.
		return cron.Every(every)
	}
	return staggered{first: now.Add(every + phaseFor(name, min(every, maxPhase))), every: every}
}

func phaseFor(name string, span time.Duration) time.Duration {
	if span <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum64() % uint64(span))
}
