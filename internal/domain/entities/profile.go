package entities

// ProfileOutcome classifies a single profile fetch
type ProfileOutcome string

const (
	// ProfileUnavailable covers transport errors, timeouts, non-success
	// statuses and unrecognized payloads. Retryable.
	ProfileUnavailable ProfileOutcome = "unavailable"
	// ProfileNotFound means the platform reported the profile does not exist. Terminal.
	ProfileNotFound ProfileOutcome = "not_found"
	// ProfileEmpty means the bio field was present and empty
	ProfileEmpty ProfileOutcome = "empty"
	// ProfileFound means bio text was extracted
	ProfileFound ProfileOutcome = "found"
)

// ProfileFetchResult is the tagged outcome of fetching a profile bio
type ProfileFetchResult struct {
	Handle  string
	Outcome ProfileOutcome
	Bio     string // set only for ProfileFound
	Cause   error  // set only for ProfileUnavailable
}

// Retryable reports whether another attempt may produce a different outcome
func (r ProfileFetchResult) Retryable() bool {
	return r.Outcome == ProfileUnavailable
}
