package bridge

import "time"

// Config holds the tunables that affect a single Bridge's derived state.
type Config struct {
	// StressThreshold is the corrected-stress value at or above which a
	// bridge is considered overloaded.
	StressThreshold float64
	// AverageParticipantStress is the default per-participant stress weight,
	// used until telemetry overrides it.
	AverageParticipantStress float64
	// ParticipantRampupInterval is the window for the newly-added-endpoint
	// rate tracker.
	ParticipantRampupInterval time.Duration
	// FailureResetThreshold is the sticky-non-operational period after any
	// failure (health-check failure/timeout).
	FailureResetThreshold time.Duration

	// ICE failure detection.
	ICEFailureWindow  time.Duration
	ICEMinEndpoints   int
	ICEFailureRatio   float64
	ICEFailureTimeout time.Duration

	// UsePresenceForHealth mirrors healthChecks.usePresence: when true and a
	// telemetry snapshot omits the health field, Bridge logs instead of
	// silently leaving health unchanged.
	UsePresenceForHealth bool
}

// DefaultConfig returns the defaults used when a host does not configure
// Bridge explicitly.
func DefaultConfig() Config {
	return Config{
		StressThreshold:           1.0,
		AverageParticipantStress:  0.0001,
		ParticipantRampupInterval: 10 * time.Second,
		FailureResetThreshold:     60 * time.Second,
		ICEFailureWindow:          1 * time.Minute,
		ICEMinEndpoints:           5,
		ICEFailureRatio:           0.1,
		ICEFailureTimeout:         15 * time.Minute,
		UsePresenceForHealth:      false,
	}
}
