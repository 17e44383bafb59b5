package session

// State is a step of the session lifecycle.
type State int

const (
	LoggedOut State = iota
	LoggingIn
	LoggedIn
	RefreshingToken
	LoggingOut
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case LoggingIn:
		return "logging_in"
	case LoggedIn:
		return "logged_in"
	case RefreshingToken:
		return "refreshing_token"
	case LoggingOut:
		return "logging_out"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	LoggedOut:       {LoggingIn},
	LoggingIn:       {LoggedIn, LoggedOut},
	LoggedIn:        {RefreshingToken, LoggingOut, LoggedOut},
	RefreshingToken: {LoggedIn, LoggingOut, LoggedOut},
	LoggingOut:      {LoggedOut},
}

// CanTransition reports whether the lifecycle allows moving from one
// state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}
