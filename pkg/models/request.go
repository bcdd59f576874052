package models

// Operation types for the per-plugin control loop
const (
	OpStop         = "stop"
	OpRestart      = "restart"
	OpHealthReport = "health_report" // Result of a ping or failed call, applied by the control loop
)

// Request is a point-to-point message with reply channel for synchronous communication
type Request struct {
	Operation string        // stop, restart, health_report
	PluginID  string        // Target plugin
	Payload   interface{}   // Operation specific
	ReplyCh   chan Response // Caller waits on this for synchronous reply
}

// Response contains result or error from the control loop
type Response struct {
	Data  interface{}
	Error error
}
