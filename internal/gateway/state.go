package gateway

// State is a step of request handling.
type State int

const (
	StateReceivingRequest State = iota
	StateResolvingAuth
	StateResolvingConfig
	StateRunningPreprocessors
	StateConvertingRequest
	StateCallingBackend
	StateStreaming
	StateNonStreaming
	StateConvertingResponse
	StateRunningPostprocessors
	StateUploadingStats
	StateDone
)

var stateNames = [...]string{
	StateReceivingRequest:      "receiving_request",
	StateResolvingAuth:         "resolving_auth",
	StateResolvingConfig:       "resolving_config",
	StateRunningPreprocessors:  "running_preprocessors",
	StateConvertingRequest:     "converting_request",
	StateCallingBackend:        "calling_backend",
	StateStreaming:             "streaming",
	StateNonStreaming:          "non_streaming",
	StateConvertingResponse:    "converting_response",
	StateRunningPostprocessors: "running_postprocessors",
	StateUploadingStats:        "uploading_stats",
	StateDone:                  "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
