package logger

// Standard field names for structured logging across quarry. Use these
// constants instead of raw strings so log queries stay consistent.
const (
	FieldInstance = "instance"
	FieldJob      = "job"
	FieldTrigger  = "trigger"
	FieldCount    = "count"
	FieldError    = "error"
)
