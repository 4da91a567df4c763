// internal/store/index.go
package store

import (
	"sort"
	"time"

	"logroller/internal/model"
)

type deviceEntry struct {
	lastSeenAt time.Time
	eventCount int
}

type runEntry struct {
	createdAt  time.Time
	updatedAt  time.Time
	eventCount int
	errorCount int
	devices    map[string]*deviceEntry
}

// runIndex is a materialized view of the log files: run id → counters.
// apply is the only mutation, used both by ingest and by replay, so the
// two can never disagree.
type runIndex map[string]*runEntry

func (idx runIndex) apply(ev model.StoredEvent) {
	recv := ev.RecvTS.Time

	run, ok := idx[ev.RunID]
	if !ok {
		run = &runEntry{
			createdAt: recv,
			updatedAt: recv,
			devices:   make(map[string]*deviceEntry),
		}
		idx[ev.RunID] = run
	}
	if recv.Before(run.createdAt) {
		run.createdAt = recv
	}
	if recv.After(run.updatedAt) {
		run.updatedAt = recv
	}
	run.eventCount++
	if ev.Level == model.LevelError {
		run.errorCount++
	}

	dev, ok := run.devices[ev.DeviceID]
	if !ok {
		dev = &deviceEntry{lastSeenAt: recv}
		run.devices[ev.DeviceID] = dev
	}
	if recv.After(dev.lastSeenAt) {
		dev.lastSeenAt = recv
	}
	dev.eventCount++
}

// runs returns summaries sorted by updated-at descending. limit <= 0
// means no limit.
func (idx runIndex) runs(limit int) []model.RunSummary {
	out := make([]model.RunSummary, 0, len(idx))
	for id, run := range idx {
		out = append(out, model.RunSummary{
			RunID:       id,
			CreatedAt:   model.NewTime(run.createdAt),
			UpdatedAt:   model.NewTime(run.updatedAt),
			DeviceCount: len(run.devices),
			EventCount:  run.eventCount,
			ErrorCount:  run.errorCount,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt.Time) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt.Time)
		}
		return out[i].RunID < out[j].RunID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// devices returns the run's devices by last-seen-at descending; empty for
// an unknown run.
func (idx runIndex) devices(runID string) []model.DeviceSummary {
	run, ok := idx[runID]
	if !ok {
		return []model.DeviceSummary{}
	}
	out := make([]model.DeviceSummary, 0, len(run.devices))
	for id, dev := range run.devices {
		out = append(out, model.DeviceSummary{
			DeviceID:   id,
			LastSeenAt: model.NewTime(dev.lastSeenAt),
			EventCount: dev.eventCount,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt.Time) {
			return out[i].LastSeenAt.After(out[j].LastSeenAt.Time)
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}
