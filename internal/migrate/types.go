package migrate

import "time"

// Request is one caller-issued migration request. Boolean
// defaults (StartTarget true; everything else false) are applied by
// NewRequest, not by the zero value, since a bare Request{} would otherwise
// silently skip starting the target stack.
type Request struct {
	MigrationID    string
	SourceHostID   string
	TargetHostID   string
	StackName      string
	SkipStopSource bool
	StartTarget    bool
	RemoveSource   bool
	DryRun         bool
	TransferMethod TransferMethod // override; empty means auto-select
	CriticalFiles  []string       // paths (under the stack's compose dir) to checksum-verify
	VerifyWindow   time.Duration  // how long to wait for the target stack to report healthy
}

// NewRequest builds a Request with the defaults applied (start_target=true,
// remove_source=false, dry_run=false) applied.
func NewRequest(migrationID, sourceHostID, targetHostID, stackName string) Request {
	return Request{
		MigrationID:  migrationID,
		SourceHostID: sourceHostID,
		TargetHostID: targetHostID,
		StackName:    stackName,
		StartTarget:  true,
		VerifyWindow: 60 * time.Second,
	}
}

// Plan is the read-only preview returned for a dry-run request, or attached
// to a Report before execution begins.
type Plan struct {
	SourceHostID   string
	TargetHostID   string
	StackName      string
	TransferMethod TransferMethod
	BindMounts     []string
	PortConflicts  []PortConflictSummary
	Steps          []string
	Warnings       []string
}

// PortConflictSummary is the migrate package's view of a ports.PortConflict,
// decoupled from the ports package so a Plan can be serialized without
// pulling in Docker SDK types transitively.
type PortConflictSummary struct {
	HostPort uint16
	Protocol string
}

// StepRecord is one state transition's timing and outcome, accumulated into
// a Report as the state machine advances.
type StepRecord struct {
	State     State
	StartedAt time.Time
	EndedAt   time.Time
	Err       string
}

// Report is the full outcome of a Migrate call, successful or not: every
// step artifact and timing the pipeline accumulated.
type Report struct {
	MigrationID    string
	SourceHostID   string
	TargetHostID   string
	StackName      string
	TransferMethod TransferMethod
	Plan           *Plan
	FinalState     State
	Steps          []StepRecord
	BytesMoved     int64
	Verified       bool
	SourceRemoved  bool
	Warnings       []string
	StartedAt      time.Time
	FinishedAt     time.Time
}

func (r *Report) recordStep(st State, startedAt time.Time, err error) {
	rec := StepRecord{State: st, StartedAt: startedAt, EndedAt: time.Now()}
	if err != nil {
		rec.Err = err.Error()
	}
	r.Steps = append(r.Steps, rec)
}

func (r *Report) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
