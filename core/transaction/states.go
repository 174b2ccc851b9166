package transaction

// State is the lifecycle state of a cross-shard transaction.
//
// Valid moves:
//
//	INITIAL -> PREPARING -> {PREPARED | FAILED}
//	PREPARED -> COMMITTING -> {COMMITTED | FAILED}
//	INITIAL/PREPARED -> ROLLING_BACK -> ROLLED_BACK
//
// COMMITTED, ROLLED_BACK and FAILED are terminal.
type State int

const (
	StateInitial State = iota
	StatePreparing
	StatePrepared
	StateCommitting
	StateCommitted
	StateRollingBack
	StateRolledBack
	StateFailed
)

var stateNames = map[State]string{
	StateInitial:     "initial",
	StatePreparing:   "preparing",
	StatePrepared:    "prepared",
	StateCommitting:  "committing",
	StateCommitted:   "committed",
	StateRollingBack: "rolling_back",
	StateRolledBack:  "rolled_back",
	StateFailed:      "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateFailed
}
