package otel

// Metric prefixes for each service.
// Each package defines its own metric names and uses these prefixes.
const (
	PrefixRelay = "relay"
	PrefixChat  = "chat"
)
