package agentloop

import "fmt"

// ToolExecutionError wraps a failure inside a tool executor. The loop
// treats these as recoverable: the error text becomes a failed tool
// result and the conversation continues.
type ToolExecutionError struct {
	ToolName string
	CallID   string
	Cause    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s (%s): %v", e.ToolName, e.CallID, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error { return e.Cause }

// DoomLoopRejection is raised when a tool invocation completes a
// streak of identical calls. It is surfaced to the model as a failed
// tool result rather than returned to the caller.
type DoomLoopRejection struct {
	ToolName string
	Streak   int
}

func (e *DoomLoopRejection) Error() string {
	return fmt.Sprintf("repetitive tool call rejected: %s invoked identically %d times in a row", e.ToolName, e.Streak)
}

// CorrectiveMessage returns the text fed back to the model in place of
// a real tool result.
func (e *DoomLoopRejection) CorrectiveMessage() string {
	return fmt.Sprintf(
		"Invalid: this exact %s invocation has been made %d times in a row with identical arguments. Repeating it will not produce a different result. Change the arguments, try a different tool, or explain to the user why you are stuck.",
		e.ToolName, e.Streak)
}

// PersistenceError wraps a session store failure during a turn. These
// are fatal: the loop aborts rather than continue with state the
// store did not record.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }
