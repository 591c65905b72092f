package llm

// StopReason constants normalize provider-native completion reasons.
const (
	StopReasonStop   = "stop"
	StopReasonLength = "length"
)

// ContentBlock type constants.
const (
	BlockTypeText     = "text"
	BlockTypeThinking = "thinking"
	BlockTypeImage    = "image"
	BlockTypeError    = "error"
)
