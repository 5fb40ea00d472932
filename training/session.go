package training

// State is the phase of the training loop.
type State int

const (
	Idle State = iota
	RunningEpoch
	RunningBatch
	Validating
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RunningEpoch:
		return "running-epoch"
	case RunningBatch:
		return "running-batch"
	case Validating:
		return "validating"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Session holds the global counters of a run. Iter counts optimizer steps
// and Epoch completed-or-started epochs; both survive checkpoint reloads.
type Session struct {
	Iter  int
	Epoch int
	State State
}
