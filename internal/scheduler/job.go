package scheduler

import "time"

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobSubmitted      JobStatus = "submitted"
	JobRunning        JobStatus = "running"
	JobWaitingForUser JobStatus = "waiting_for_user"
	JobCompleted      JobStatus = "completed"
	JobFailed         JobStatus = "failed"
	JobCancelled      JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is a user-submitted goal tracked end to end.
//
// WaitingForPromptID is set if and only if Status is JobWaitingForUser.
type Job struct {
	ID                 string            `json:"id"`
	Goal               string            `json:"goal"`
	Priority           int               `json:"priority"`
	Simulate           bool              `json:"simulate"`
	Sandbox            Sandbox           `json:"sandbox"`
	Status             JobStatus         `json:"status"`
	WaitingForPromptID string            `json:"waitingForPromptId,omitempty"`
	TaskIDs            []string          `json:"taskIds"`
	Result             map[string]string `json:"result,omitempty"` // task id -> task result
	Error              string            `json:"error,omitempty"`
	CancelRequested    bool              `json:"cancelRequested,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.TaskIDs = append([]string{}, j.TaskIDs...)
	if j.Result != nil {
		c.Result = make(map[string]string, len(j.Result))
		for k, v := range j.Result {
			c.Result[k] = v
		}
	}
	return &c
}
