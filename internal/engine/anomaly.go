package engine

import "sync/atomic"

// anomalyMode guards the NaN scan of backward outputs and the forward-stack
// print on error. Global, like gradient anomaly detection in the front end.
var anomalyMode atomic.Bool

// EnableAnomalyMode turns on NaN detection for backward outputs.
func EnableAnomalyMode() {
	anomalyMode.Store(true)
}

// DisableAnomalyMode turns NaN detection back off.
func DisableAnomalyMode() {
	anomalyMode.Store(false)
}

// AnomalyModeEnabled reports whether anomaly detection is on.
func AnomalyModeEnabled() bool {
	return anomalyMode.Load()
}
