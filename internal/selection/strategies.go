package selection

import "github.com/sebas/cascadefocus/internal/bridge"

// SingleBridgeStrategy never splits a conference across bridges: it places
// the first participant on the least-loaded fit and keeps every later
// participant on the conference's existing bridge.
type SingleBridgeStrategy struct {
	cfg Config
}

// NewSingleBridgeStrategy returns a SingleBridgeStrategy.
func NewSingleBridgeStrategy(cfg Config) *SingleBridgeStrategy {
	return &SingleBridgeStrategy{cfg: cfg}
}

// Select implements Strategy.
func (s *SingleBridgeStrategy) Select(c Candidates) *bridge.Bridge {
	if len(c.InConference) == 0 {
		if c.Participant.Region != "" {
			if b := s.cfg.leastLoadedInRegionGroup(c.All, c.Participant.Region); b != nil {
				return b
			}
		}
		return leastLoaded(c.All)
	}
	if len(c.InConference) == 1 {
		for b := range c.InConference {
			if b.Operational() {
				return b
			}
			return nil
		}
	}
	return nil
}

// SplitStrategy favors spreading participants across bridges; intended for
// testing multi-bridge behavior and forces multi-bridge semantics to be
// meaningful.
type SplitStrategy struct{}

// NewSplitStrategy returns a SplitStrategy.
func NewSplitStrategy() *SplitStrategy {
	return &SplitStrategy{}
}

// Select implements Strategy: prefer a bridge not yet in this conference;
// otherwise the one already in it holding the fewest participants.
func (s *SplitStrategy) Select(c Candidates) *bridge.Bridge {
	for _, b := range c.All {
		if _, ok := c.InConference[b]; !ok {
			return b
		}
	}

	var best *bridge.Bridge
	bestCount := -1
	for _, b := range c.All {
		props, ok := c.InConference[b]
		if !ok {
			continue
		}
		if bestCount == -1 || props.ParticipantCount < bestCount {
			best, bestCount = b, props.ParticipantCount
		}
	}
	return best
}

// RegionBasedStrategy is the production default: it tries each predicate
// primitive in order and returns the first non-nil result, widening from
// in-region non-overloaded bridges out to the least-loaded bridge overall.
type RegionBasedStrategy struct {
	cfg Config
}

// NewRegionBasedStrategy returns a RegionBasedStrategy.
func NewRegionBasedStrategy(cfg Config) *RegionBasedStrategy {
	return &RegionBasedStrategy{cfg: cfg}
}

// Select implements Strategy. The overload-ignoring region-group fallback
// (leastLoadedInRegionGroup) runs only after every non-overloaded primitive,
// region-restricted or not, has had a chance: a non-overloaded bridge
// outside the participant's region still beats an overloaded one inside it.
func (s *RegionBasedStrategy) Select(c Candidates) *bridge.Bridge {
	region := c.Participant.Region

	if region != "" {
		if b := s.cfg.notLoadedInRegionGroup(c.All, c.InConference, region); b != nil {
			return b
		}
		if b := s.cfg.notLoadedAlreadyInConferenceInRegionGroup(c.All, c.InConference, region); b != nil {
			return b
		}
		if b := s.cfg.leastLoadedAlreadyInConferenceInRegionGroup(c.All, c.InConference, region); b != nil {
			return b
		}
	}
	if b := s.cfg.notLoadedAlreadyInConference(c.All, c.InConference); b != nil {
		return b
	}
	if b := s.cfg.notLoaded(c.All, c.InConference); b != nil {
		return b
	}
	if region != "" {
		if b := s.cfg.leastLoadedInRegionGroup(c.All, region); b != nil {
			return b
		}
	}
	return leastLoaded(c.All)
}

// ClassSplitStrategy dispatches to one of two independent strategies
// depending on whether the joining participant is visitor-class.
type ClassSplitStrategy struct {
	Participant Strategy
	Visitor     Strategy
}

// NewClassSplitStrategy returns a ClassSplitStrategy delegating to
// participantStrategy or visitorStrategy based on ParticipantProperties.Visitor.
func NewClassSplitStrategy(participantStrategy, visitorStrategy Strategy) *ClassSplitStrategy {
	return &ClassSplitStrategy{Participant: participantStrategy, Visitor: visitorStrategy}
}

// Select implements Strategy.
func (s *ClassSplitStrategy) Select(c Candidates) *bridge.Bridge {
	if c.Participant.Visitor {
		return s.Visitor.Select(c)
	}
	return s.Participant.Select(c)
}
