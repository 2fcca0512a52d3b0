package chat

// TransitionPolicy reports whether a conversation may move from one status to another.
type TransitionPolicy func(from, to Status) bool

// AnyTransition allows every change, including re-opening closed conversations.
func AnyTransition(_, _ Status) bool { return true }

var strictTransitions = map[Status]map[Status]bool{
	StatusNew:        {StatusProcessing: true},
	StatusProcessing: {StatusClosed: true},
	StatusClosed:     {StatusProcessing: true},
}

// StrictTransitions allows new -> processing -> closed and closed -> processing.
// Setting the current status again is always allowed.
func StrictTransitions(from, to Status) bool {
	if from == to {
		return true
	}
	return strictTransitions[from][to]
}
