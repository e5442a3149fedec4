package consumer

import "fmt"

// HandlerFailure reports that a handler rejected a task. It counts against
// the task's retry budget.
type HandlerFailure struct {
	TaskID   int64
	TaskType string
	Err      error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("task %d (%s) failed: %v", e.TaskID, e.TaskType, e.Err)
}

func (e *HandlerFailure) Unwrap() error { return e.Err }

// PoisonMessage reports a delivery that could not be decoded. Poison
// messages are dropped and never redelivered.
type PoisonMessage struct {
	Err error
}

func (e *PoisonMessage) Error() string {
	return fmt.Sprintf("poison message: %v", e.Err)
}

func (e *PoisonMessage) Unwrap() error { return e.Err }

// CriticalPathError reports a storage failure while a loaded task was being
// claimed. The task is failed outright, bypassing its retry budget.
type CriticalPathError struct {
	TaskID int64
	Err    error
}

func (e *CriticalPathError) Error() string {
	return fmt.Sprintf("critical error processing task %d: %v", e.TaskID, e.Err)
}

func (e *CriticalPathError) Unwrap() error { return e.Err }
