package store

// EventType classifies store events.
type EventType int

const (
	EventChanged      EventType = iota // a feed's content changed
	EventStoreChanged                  // store-wide diagnostics, independent of any feed
	EventCommands                      // the command registry changed
	EventPerf                          // upstream connectivity / lag report
)

// Info is a store-wide diagnostic record.
type Info struct {
	Source string         `json:"source"`
	Data   map[string]any `json:"data"`
}

// Perf reports the health of the link between the store and a horde
// (an upstream peer the store synchronizes with).
type Perf struct {
	Horde   string `json:"horde"`
	Lag     bool   `json:"lag"`
	Delta   int64  `json:"delta"` // milliseconds
	Overlay bool   `json:"overlay"`
	Message string `json:"message"`
}

// Event carries one store notification to watchers.
type Event struct {
	Type  EventType
	Feed  string // EventChanged
	State State  // EventChanged; full content of Feed, safe to retain
	Info  Info   // EventStoreChanged
	Perf  Perf   // EventPerf
}
