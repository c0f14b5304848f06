package sync

import "time"

// Result is the structured outcome of one sync pass. Failures are carried
// here instead of panicking; the caller decides whether to retry, the core
// has no built-in retry or backoff.
type Result struct {
	Success  bool          `json:"success"`
	Message  string        `json:"message,omitempty"`
	Created  int           `json:"created"`
	Updated  int           `json:"updated"`
	Deleted  int           `json:"deleted"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Changes is the total number of local or external mutations the pass made.
func (r Result) Changes() int {
	return r.Created + r.Updated + r.Deleted
}

func failure(message string, err error) Result {
	return Result{Message: message, Err: err}
}
