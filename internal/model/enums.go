package model

// Job kinds
type JobKind string

const (
	JobKindForward            JobKind = "forward"
	JobKindReverse            JobKind = "reverse"
	JobKindIncrementalReverse JobKind = "incrementalReverse"
)

var ValidJobKinds = []JobKind{
	JobKindForward, JobKindReverse, JobKindIncrementalReverse,
}

// Job status
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Error kinds surfaced through polling
type ErrorKind string

const (
	ErrorKindTransient       ErrorKind = "transient"
	ErrorKindValidation      ErrorKind = "validation"
	ErrorKindAdmissionDenied ErrorKind = "admission_denied"
	ErrorKindInternal        ErrorKind = "internal"
)

// Subscription tiers
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Target resource types
type TargetType string

const (
	TargetTypeChat    TargetType = "chat"
	TargetTypeProject TargetType = "project"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)
