package taskstatus

import (
	"sort"

	"github.com/hanfei1991/jobcoord/model"
)

// Result is the outcome of applying a report to the Aggregator.
type Result int32

// Update results.
const (
	// Applied means the report was written to the table.
	Applied = Result(iota + 1)
	// Duplicate means an identical report was already recorded.
	Duplicate
	// Stale means the report belongs to a superseded attempt or
	// generation, or was delivered out of order, and was dropped.
	Stale
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Aggregator merges per-task execution reports into the job's runtime view.
//
// It keeps at most one record per task: the record of the newest attempt
// seen for the active epoch. Reports are delivered at least once, so the
// same report may arrive several times and in any order; applying a report
// is idempotent.
//
// Aggregator is not thread-safe. It is owned by the job master's
// serialized execution context.
type Aggregator struct {
	active  bool
	epoch   model.Epoch
	records map[model.TaskID]*model.TaskExecutionRecord
}

// NewAggregator creates an inactive Aggregator. Every report is stale
// until Activate is called.
func NewAggregator() *Aggregator {
	return &Aggregator{
		records: make(map[model.TaskID]*model.TaskExecutionRecord),
	}
}

// Activate starts accepting reports of attempts deployed under epoch.
func (a *Aggregator) Activate(epoch model.Epoch) {
	a.active = true
	a.epoch = epoch
}

// Active returns whether reports are being accepted.
func (a *Aggregator) Active() bool {
	return a.active
}

// Epoch returns the epoch whose attempts are current.
func (a *Aggregator) Epoch() model.Epoch {
	return a.epoch
}

// Update applies a report.
func (a *Aggregator) Update(record *model.TaskExecutionRecord) Result {
	if !a.active || record.AttemptID.Epoch != a.epoch {
		return Stale
	}

	current, exists := a.records[record.TaskID]
	if !exists {
		a.records[record.TaskID] = record.Clone()
		return Applied
	}

	switch {
	case record.AttemptID.Attempt < current.AttemptID.Attempt:
		// superseded by a restart
		return Stale
	case record.AttemptID.Attempt > current.AttemptID.Attempt:
		// A new attempt replaces the old record as a whole.
		a.records[record.TaskID] = record.Clone()
		return Applied
	}

	if current.Equal(record) {
		return Duplicate
	}
	if current.State.IsTerminal() {
		return Stale
	}
	if record.State.Rank() < current.State.Rank() {
		return Stale
	}
	a.records[record.TaskID] = record.Clone()
	return Applied
}

// Clear drops every record and stops accepting reports.
// It returns the number of records dropped.
func (a *Aggregator) Clear() int {
	n := len(a.records)
	a.records = make(map[model.TaskID]*model.TaskExecutionRecord)
	a.active = false
	return n
}

// Get returns a copy of the record of a task.
func (a *Aggregator) Get(taskID model.TaskID) (*model.TaskExecutionRecord, bool) {
	record, ok := a.records[taskID]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

// Len returns the number of tasks with a record.
func (a *Aggregator) Len() int {
	return len(a.records)
}

// Records returns copies of all records ordered by task id.
func (a *Aggregator) Records() []*model.TaskExecutionRecord {
	ret := make([]*model.TaskExecutionRecord, 0, len(a.records))
	for _, record := range a.records {
		ret = append(ret, record.Clone())
	}
	sortRecords(ret)
	return ret
}

// NonTerminal returns copies of the records whose attempt may still
// be running, ordered by task id.
func (a *Aggregator) NonTerminal() []*model.TaskExecutionRecord {
	var ret []*model.TaskExecutionRecord
	for _, record := range a.records {
		if record.State.IsTerminal() {
			continue
		}
		ret = append(ret, record.Clone())
	}
	sortRecords(ret)
	return ret
}

// Summary counts tasks per execution state. It is the input of the
// health rollup that decides the overall job outcome.
func (a *Aggregator) Summary() map[model.ExecutionState]int {
	ret := make(map[model.ExecutionState]int)
	for _, record := range a.records {
		ret[record.State]++
	}
	return ret
}

func sortRecords(records []*model.TaskExecutionRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].TaskID < records[j].TaskID
	})
}
