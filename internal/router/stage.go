package router

import "encoding/json"

// Stage records which classifier produced a decision.
type Stage int

const (
	StageFast      Stage = iota // deterministic rule table
	StageCached                 // earlier model classification for the same device and text
	StageModel                  // language-model classification
	StageRecovered              // model stage failed; reserved continue_chat substituted
)

var stageNames = [...]string{"FAST", "CACHED", "MODEL", "RECOVERED"}

func (s Stage) String() string {
	if int(s) >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "UNKNOWN"
}

// MarshalJSON implements json.Marshaler.
func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Stage) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		var i int
		if err2 := json.Unmarshal(data, &i); err2 != nil {
			return err
		}
		*s = Stage(i)
		return nil
	}
	for i, n := range stageNames {
		if n == name {
			*s = Stage(i)
			return nil
		}
	}
	*s = StageRecovered
	return nil
}

// Recovery reasons reported when the model stage falls back to continue_chat.
const (
	ReasonTimeout     = "timeout"
	ReasonCancelled   = "cancelled"
	ReasonModelError  = "model_error"
	ReasonBreakerOpen = "breaker_open"
	ReasonParse       = "parse_error"
	ReasonUnknownName = "unknown_function"
	ReasonNoModel     = "no_model"
)
