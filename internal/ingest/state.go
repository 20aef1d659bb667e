package ingest

// State is the lifecycle position of an ingest call.
type State int

const (
	Planning State = iota
	BufferCreated
	Dispatched
	AwaitingWorkers
	AllSucceeded
	AnyFailed
	BufferReleased
	Done
	Failed
)

var stateNames = map[State]string{
	Planning:        "planning",
	BufferCreated:   "buffer_created",
	Dispatched:      "dispatched",
	AwaitingWorkers: "awaiting_workers",
	AllSucceeded:    "all_succeeded",
	AnyFailed:       "any_failed",
	BufferReleased:  "buffer_released",
	Done:            "done",
	Failed:          "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transition can follow.
func (s State) Terminal() bool { return s == Done || s == Failed }
