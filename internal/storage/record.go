package storage

import "timerd/internal/eventbus"

// RecordFromEvent maps a terminal job event to a run record. Other event
// types report false.
func RecordFromEvent(ev eventbus.Event) (RunRecord, bool) {
	var outcome string
	switch ev.Type {
	case eventbus.JobFinished:
		outcome = OutcomeOK
	case eventbus.JobFailed:
		outcome = OutcomeFailed
	case eventbus.JobAborted:
		outcome = OutcomeAborted
	default:
		return RunRecord{}, false
	}
	data, ok := ev.Data.(eventbus.JobData)
	if !ok || data.ID == "" {
		return RunRecord{}, false
	}
	return RunRecord{
		RunID:    NewRunID(),
		JobID:    data.ID,
		Due:      data.Due,
		Started:  data.Started,
		Duration: data.Duration,
		Outcome:  outcome,
		Error:    data.Error,
	}, true
}
