package model

// Submission is the persisted record a SubmissionTask carries a reference to.
// Persistence itself is an external collaborator (the document store); this
// struct is only the subset of fields the dispatch core reads.
type Submission struct {
	SID    SubmissionID     `json:"sid"`
	Files  []FileHash       `json:"files"`
	Params SubmissionParams `json:"params"`

	Classification string          `json:"classification,omitempty"`
	MaxScore       *int64          `json:"max_score,omitempty"`
	ErrorCount     int             `json:"error_count,omitempty"`
	Errors         []string        `json:"errors,omitempty"`
	FileCount      int             `json:"file_count,omitempty"`
	State          string          `json:"state,omitempty"`
	Times          SubmissionTimes `json:"times,omitempty"`
}

type SubmissionTimes struct {
	Completed string `json:"completed,omitempty"`
}

// SubmissionParams carries the per-submission knobs the scheduler and
// dispatchers consult.
type SubmissionParams struct {
	Submitter          string                       `json:"submitter,omitempty"`
	QuotaItem          bool                         `json:"quota_item,omitempty"`
	IgnoreFiltering    bool                         `json:"ignore_filtering,omitempty"`
	MaxExtractionDepth int                          `json:"max_extraction_depth,omitempty"`
	CompletedQueue     string                       `json:"completed_queue,omitempty"`
	ServiceSpec        map[string]map[string]string `json:"service_spec,omitempty"`
}

// SubmissionTask is the envelope pushed onto the submission queue.
//
// Note: per spec.md §3, in the steady state the submission queue carries
// only {sid}; SubmissionTask (carrying the full Submission and an optional
// completed_queue) is the shape used for the initial dispatch.
type SubmissionTask struct {
	SID            SubmissionID `json:"sid"`
	Submission     *Submission  `json:"submission,omitempty"`
	CompletedQueue string       `json:"completed_queue,omitempty"`
}

// FileTask drives file-level dispatch (C6).
type FileTask struct {
	SID        SubmissionID `json:"sid"`
	FileHash   FileHash     `json:"file_hash"`
	FileType   string       `json:"file_type"`
	Depth      int          `json:"depth"`
	ParentHash FileHash     `json:"parent_hash,omitempty"`
}

// ServiceTask is the unit of work handed to a service worker via
// service-queue-<service_name>.
type ServiceTask struct {
	SID           SubmissionID `json:"sid"`
	FileHash      FileHash     `json:"file_hash"`
	FileType      string       `json:"file_type"`
	Depth         int          `json:"depth"`
	ServiceName   ServiceName  `json:"service_name"`
	ServiceConfig string       `json:"service_config"`
	ParentHash    FileHash     `json:"parent_hash,omitempty"`
}
