package pipeline

// State 发送操作的状态
//
//	Received → Validated → Persisted → FannedOut → TranslationsDispatched → Confirmed
//
// Persisted 之前的任一状态都可能进入 Failed。
type State int

const (
	StateReceived State = iota
	StateValidated
	StatePersisted
	StateFannedOut
	StateTranslationsDispatched
	StateConfirmed
	StateFailed
)

var stateNames = [...]string{
	StateReceived:               "received",
	StateValidated:              "validated",
	StatePersisted:              "persisted",
	StateFannedOut:              "fanned_out",
	StateTranslationsDispatched: "translations_dispatched",
	StateConfirmed:              "confirmed",
	StateFailed:                 "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
