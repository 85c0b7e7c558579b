// Package progress combines weighted progress signals reported by the
// sub-activities of a composite run into one completion ratio.
package progress

import "sync"

// Signal is one progress report of an activity of a run. Weight is the
// maximum contribution of the activity to the run.
type Signal struct {
	RunID      string  `json:"runId"`
	ActivityID string  `json:"activityId"`
	Progress   float64 `json:"progress"`
	Weight     float64 `json:"weight"`
}

type activityKey struct {
	runID      string
	activityID string
}

type sums struct {
	progress    float64
	maxProgress float64
}

// Aggregator keeps running sums per (run, activity). It is safe for concurrent use.
type Aggregator struct {
	mu         sync.Mutex
	activities map[activityKey]*sums
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{activities: make(map[activityKey]*sums)}
}

// RecordSignal adds the signal progress and weight to the sums of its activity.
func (a *Aggregator) RecordSignal(s Signal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := activityKey{runID: s.RunID, activityID: s.ActivityID}
	acc, ok := a.activities[key]
	if !ok {
		acc = &sums{}
		a.activities[key] = acc
	}
	acc.progress += s.Progress
	acc.maxProgress += s.Weight
}

// Progress returns the summed progress of the run over its summed maximum
// progress, or 0 when nothing was recorded. The ratio is not clamped.
func (a *Aggregator) Progress(runID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var progress, maxProgress float64
	for key, acc := range a.activities {
		if key.runID != runID {
			continue
		}
		progress += acc.progress
		maxProgress += acc.maxProgress
	}
	if maxProgress == 0 {
		return 0
	}
	return progress / maxProgress
}

// Forget drops every activity of a finished run.
func (a *Aggregator) Forget(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key := range a.activities {
		if key.runID == runID {
			delete(a.activities, key)
		}
	}
}
