package core

import "time"

// NodeType distinguishes the kinds of backing records.
type NodeType string

const (
	NodeTypeCalculation NodeType = "calculation" // process-backed calculation
	NodeTypeJob         NodeType = "job"         // calculation executed by an external scheduler
	NodeTypeFunction    NodeType = "function"    // workfunction provenance record
	NodeTypeWorkflow    NodeType = "workflow"    // legacy workflow stepped by the daemon
)

// ProcessStatus is the execution state stored on a record.
type ProcessStatus string

const (
	StatusCreated  ProcessStatus = "created"
	StatusRunning  ProcessStatus = "running"
	StatusWaiting  ProcessStatus = "waiting"
	StatusFinished ProcessStatus = "finished"
	StatusFailed   ProcessStatus = "failed"
	StatusExcepted ProcessStatus = "excepted"
)

// IsTerminal reports whether no further transitions are expected.
func (s ProcessStatus) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusExcepted:
		return true
	default:
		return false
	}
}

// JobState tracks a job calculation through the external scheduler.
type JobState string

const (
	JobStateNew              JobState = "NEW"
	JobStateToSubmit         JobState = "TOSUBMIT"
	JobStateSubmitting       JobState = "SUBMITTING"
	JobStateWithScheduler    JobState = "WITHSCHEDULER"
	JobStateComputed         JobState = "COMPUTED"
	JobStateRetrieving       JobState = "RETRIEVING"
	JobStateParsing          JobState = "PARSING"
	JobStateFinished         JobState = "FINISHED"
	JobStateSubmissionFailed JobState = "SUBMISSIONFAILED"
	JobStateRetrievalFailed  JobState = "RETRIEVALFAILED"
	JobStateParsingFailed    JobState = "PARSINGFAILED"
	JobStateFailed           JobState = "FAILED"
)

// Node is the persisted form of a backing record.
type Node struct {
	PK          int64
	UUID        string
	Type        NodeType
	ProcessType string
	Label       string
	Status      ProcessStatus
	JobState    JobState
	Computer    string
	User        string
	JobID       string
	Locked      bool
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

// ComputerUser identifies a (computer, user) pair whose jobs share a transport.
type ComputerUser struct {
	Computer string
	User     string
}

// NodeFilter narrows node queries. Zero values match everything.
type NodeFilter struct {
	Type     NodeType
	Statuses []ProcessStatus
	JobState JobState
	Computer string
	User     string
	Limit    int
}

// DaemonPhase is the bracket side of a daemon timestamp.
type DaemonPhase string

const (
	PhaseStart DaemonPhase = "start"
	PhaseStop  DaemonPhase = "stop"
)
