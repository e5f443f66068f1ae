package types

// Event represents a structured state change emitted by the settlement
// engine for downstream monitors and UIs.
type Event struct {
	Type       string
	Attributes map[string]string
}
