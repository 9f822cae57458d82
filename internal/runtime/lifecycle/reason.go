// Package lifecycle holds small shared lifecycle types (stop reasons)
// so app, plugin manager, and services agree on shutdown semantics.
package lifecycle

// StopReason labels why a component is being stopped. Used in logs only.
type StopReason string

const (
	StopUnknown       StopReason = "unknown"
	StopSIGINT        StopReason = "sigint"
	StopSIGTERM       StopReason = "sigterm"
	StopFatalError    StopReason = "fatal_error"
	StopAppStop       StopReason = "app_stop"
	StopPluginDisable StopReason = "plugin_disable"
	StopConfigReload  StopReason = "config_reload"
)
