package request

// legalTransitions is the full status graph. Forward edges are monotonic; the
// only backward edges are the reopen transitions accepted/in_progress →
// pending taken by reject and abandon.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusPending, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusPending, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

// CanTransition reports whether from → to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(s Status) bool {
	return len(legalTransitions[s]) == 0
}

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	_, ok := legalTransitions[s]
	return ok
}
