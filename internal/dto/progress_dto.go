package dto

// Grading event types carried on the progress stream.
const (
	EventTypeProgress  = "progress"
	EventTypeCompleted = "completed"
	EventTypeError     = "error"
)

// ProgressEvent reports one phase transition of a grading run.
type ProgressEvent struct {
	SubmissionID    string `json:"submission_id"`
	Status          string `json:"status"`
	ProgressPercent int    `json:"progress_percent"`
	CurrentStep     string `json:"current_step"`
	Message         string `json:"message,omitempty"`
}

// CompletionEvent carries the full final record of a completed run.
type CompletionEvent struct {
	Submission SubmissionResponse `json:"submission"`
}

// ErrorEvent reports a terminally failed run.
type ErrorEvent struct {
	SubmissionID string `json:"submission_id"`
	Error        string `json:"error"`
	Phase        string `json:"phase"`
}

// GradingEvent is the envelope delivered to progress observers.
type GradingEvent struct {
	Type       string           `json:"type"`
	Progress   *ProgressEvent   `json:"progress,omitempty"`
	Completion *CompletionEvent `json:"completion,omitempty"`
	Error      *ErrorEvent      `json:"error,omitempty"`
}
