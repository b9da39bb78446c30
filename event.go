package dirtypatch

// Event ends the armed phase of a session.
type Event int

const (
	// Completed is sent by the payload once its work is done.
	Completed Event = iota
	// Terminated is an operator or system request to stop.
	Terminated
)

func (e Event) String() string {
	switch e {
	case Completed:
		return "completed"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}
