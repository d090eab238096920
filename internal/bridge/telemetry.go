package bridge

// Snapshot is one inbound telemetry report from a bridge. Every field is a
// pointer so an absent key leaves the corresponding Bridge field unchanged.
type Snapshot struct {
	StressLevel              *float64
	AverageParticipantStress *float64
	ShutdownInProgress       *bool // maps to inGracefulShutdown
	ShuttingDown             *bool
	Drain                    *bool
	Version                  *string
	Release                  *string
	Region                   *string
	RelayID                  *string
	Healthy                  *bool
}
