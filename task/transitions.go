package task

// allowedTransitions is the lifecycle table. Edges into failed from pending or
// blocked are rejections and need a rejection category.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusBlocked, StatusInProgress, StatusFailed},
	StatusBlocked:    {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

var rejectionCategories = map[FailureCategory]bool{
	FailureUnknownWorker:  true,
	FailureUpstreamFailed: true,
	FailureCancelled:      true,
}

// CanTransition reports whether from -> to is legal for the given failure.
func CanTransition(from, to Status, failure *Failure) bool {
	legal := false
	for _, s := range allowedTransitions[from] {
		if s == to {
			legal = true
			break
		}
	}
	if !legal {
		return false
	}
	if to == StatusFailed && from != StatusInProgress {
		return failure != nil && rejectionCategories[failure.Category]
	}
	return true
}
