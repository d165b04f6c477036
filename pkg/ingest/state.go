package ingest

// State is the lifecycle state of a Driver.
type State int

const (
	StateStarting State = iota
	StateBackfilling
	StateLive
	// StateDone is reached when a chain with an end block produced it.
	StateDone
	StateTerminal
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateBackfilling:
		return "backfilling"
	case StateLive:
		return "live"
	case StateDone:
		return "done"
	case StateTerminal:
		return "terminal"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Publish phases, used as the metrics label of published blocks.
const (
	phaseBackfill = "backfill"
	phaseGap      = "gap"
	phaseLive     = "live"
)
