package types

// Decision is the outcome of classifying an inbound request
type Decision int

const (
	// DecisionAsk buffers the request and waits for a manual confirmation
	DecisionAsk Decision = iota
	// DecisionAllow executes the request and publishes the result
	DecisionAllow
	// DecisionDisallow publishes an error reply without executing the request
	DecisionDisallow
	// DecisionIgnore drops the request without replying
	DecisionIgnore
)

func (d Decision) String() string {
	switch d {
	case DecisionAsk:
		return "ask"
	case DecisionAllow:
		return "allow"
	case DecisionDisallow:
		return "disallow"
	case DecisionIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}
