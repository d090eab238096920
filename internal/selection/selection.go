// Package selection decides which bridge hosts a joining participant: a
// filter pipeline narrows the known fleet down to candidates, and a
// pluggable strategy picks one bridge from what survives.
package selection

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sebas/cascadefocus/internal/bridge"
)

// ParticipantProperties is the caller-supplied shape of a joining
// participant relevant to selection.
type ParticipantProperties struct {
	Region  string // "" if absent
	Visitor bool
}

// ConferenceBridgeProperties is the per-conference-per-bridge record used by
// selection; identity of the bridge is the *bridge.Bridge pointer.
type ConferenceBridgeProperties struct {
	ParticipantCount int
	Visitor          bool
}

// Config holds the selection-affecting tunables.
type Config struct {
	MultiBridgeEnabled       bool
	MaxParticipantsPerBridge int
	AllowMixedVersions       bool
	RegionGroups             map[string][]string
}

// Candidates is the full context a strategy needs: every known bridge, the
// subset already in this conference with their per-conference properties,
// the joining participant, and the effective required version (empty if
// none).
type Candidates struct {
	All             []*bridge.Bridge
	InConference    map[*bridge.Bridge]ConferenceBridgeProperties
	Participant     ParticipantProperties
	RequiredVersion string
}

// Strategy picks one bridge from Candidates, or nil if none fits. The
// Selector records a decision counter for each strategy call.
type Strategy interface {
	Select(c Candidates) *bridge.Bridge
}

var decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "cascadefocus_bridge_selection_decisions_total",
	Help: "Count of bridge selection outcomes by strategy and result.",
}, []string{"strategy", "result"})

func recordDecision(strategyName string, picked bool) {
	result := "picked"
	if !picked {
		result = "none"
	}
	decisionsTotal.WithLabelValues(strategyName, result).Inc()
}

// RegisterMetrics registers the selection package's collectors with reg. Call
// once at startup; safe to call with a fresh registry per process.
func RegisterMetrics(reg *prometheus.Registry) error {
	return reg.Register(decisionsTotal)
}

// Selector is the front door of bridge selection: effective-version
// resolution, sort, filter pipeline, then delegation to a Strategy.
type Selector struct {
	cfg      Config
	strategy Strategy
}

// New returns a Selector using strategy to make the final pick.
func New(cfg Config, strategy Strategy) *Selector {
	return &Selector{cfg: cfg, strategy: strategy}
}

// SelectBridge picks the bridge to host a joining participant, or nil when
// no candidate fits. requiredVersion is the caller-supplied fallback used
// only when the conference has no bridges yet; once a conference has a
// bridge, its version pins the conference and a conflicting requiredVersion
// fails the selection outright.
func (s *Selector) SelectBridge(all []*bridge.Bridge, inConference map[*bridge.Bridge]ConferenceBridgeProperties, participant ParticipantProperties, requiredVersion string) *bridge.Bridge {
	effectiveVersion := requiredVersion
	if len(inConference) > 0 {
		var pinned string
		for b := range inConference {
			pinned = b.Version()
			break
		}
		if requiredVersion != "" && requiredVersion != pinned {
			return nil
		}
		effectiveVersion = pinned
	}

	sorted := make([]*bridge.Bridge, len(all))
	copy(sorted, all)
	sort.Slice(sorted, func(i, j int) bool { return bridge.Less(sorted[i], sorted[j]) })

	filtered := filterKeepOperational(sorted)
	filtered = filterKeepNotShuttingDown(filtered)
	if effectiveVersion != "" && !s.cfg.AllowMixedVersions {
		filtered = filterKeepVersion(filtered, effectiveVersion)
	}
	filtered = preferNotDraining(filtered)
	filtered = preferNotInGracefulShutdown(filtered)

	if len(inConference) > 0 && !s.cfg.MultiBridgeEnabled {
		for b := range inConference {
			return b
		}
	}

	picked := s.strategy.Select(Candidates{
		All:             filtered,
		InConference:    inConference,
		Participant:     participant,
		RequiredVersion: effectiveVersion,
	})
	recordDecision(strategyName(s.strategy), picked != nil)
	return picked
}

func strategyName(s Strategy) string {
	switch s.(type) {
	case *SingleBridgeStrategy:
		return "single"
	case *SplitStrategy:
		return "split"
	case *RegionBasedStrategy:
		return "region-based"
	case *ClassSplitStrategy:
		return "class-split"
	default:
		return "custom"
	}
}

func filterKeepOperational(in []*bridge.Bridge) []*bridge.Bridge {
	return keepIfNonEmpty(in, func(b *bridge.Bridge) bool { return b.Operational() })
}

func filterKeepNotShuttingDown(in []*bridge.Bridge) []*bridge.Bridge {
	return keepIfNonEmpty(in, func(b *bridge.Bridge) bool { return !b.ShuttingDown() })
}

func filterKeepVersion(in []*bridge.Bridge, version string) []*bridge.Bridge {
	return keepIfNonEmpty(in, func(b *bridge.Bridge) bool { return b.Version() == version })
}

func preferNotDraining(in []*bridge.Bridge) []*bridge.Bridge {
	return keepIfNonEmpty(in, func(b *bridge.Bridge) bool { return !b.Draining() })
}

func preferNotInGracefulShutdown(in []*bridge.Bridge) []*bridge.Bridge {
	return keepIfNonEmpty(in, func(b *bridge.Bridge) bool { return !b.InGracefulShutdown() })
}

func keepIfNonEmpty(in []*bridge.Bridge, pred func(*bridge.Bridge) bool) []*bridge.Bridge {
	var out []*bridge.Bridge
	for _, b := range in {
		if pred(b) {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return in
	}
	return out
}
