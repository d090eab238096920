package selection

import "github.com/sebas/cascadefocus/internal/bridge"

// regionSet expands a participant's region into its equivalence group, or a
// singleton set if the region has no configured group.
func (c Config) regionSet(region string) map[string]struct{} {
	set := map[string]struct{}{region: {}}
	if group, ok := c.RegionGroups[region]; ok {
		for _, r := range group {
			set[r] = struct{}{}
		}
	}
	return set
}

func (c Config) overloaded(b *bridge.Bridge, inConference map[*bridge.Bridge]ConferenceBridgeProperties) bool {
	if b.IsOverloaded() {
		return true
	}
	if c.MaxParticipantsPerBridge <= 0 {
		return false
	}
	props, ok := inConference[b]
	if !ok {
		return false
	}
	return props.ParticipantCount >= c.MaxParticipantsPerBridge
}

func inRegionSet(b *bridge.Bridge, regions map[string]struct{}) bool {
	r := b.Region()
	if r == nil {
		return false
	}
	_, ok := regions[*r]
	return ok
}

// notLoadedInRegionGroup returns the first non-overloaded, region-matching
// bridge in sorted order.
func (c Config) notLoadedInRegionGroup(sorted []*bridge.Bridge, inConference map[*bridge.Bridge]ConferenceBridgeProperties, region string) *bridge.Bridge {
	regions := c.regionSet(region)
	for _, b := range sorted {
		if !c.overloaded(b, inConference) && inRegionSet(b, regions) {
			return b
		}
	}
	return nil
}

// notLoadedAlreadyInConferenceInRegionGroup restricts notLoadedInRegionGroup
// to bridges already participating in the conference.
func (c Config) notLoadedAlreadyInConferenceInRegionGroup(sorted []*bridge.Bridge, inConference map[*bridge.Bridge]ConferenceBridgeProperties, region string) *bridge.Bridge {
	regions := c.regionSet(region)
	for _, b := range sorted {
		if _, ok := inConference[b]; !ok {
			continue
		}
		if !c.overloaded(b, inConference) && inRegionSet(b, regions) {
			return b
		}
	}
	return nil
}

// leastLoadedAlreadyInConferenceInRegionGroup ignores overload, restricting
// only to already-in-conference bridges in the region group.
func (c Config) leastLoadedAlreadyInConferenceInRegionGroup(sorted []*bridge.Bridge, inConference map[*bridge.Bridge]ConferenceBridgeProperties, region string) *bridge.Bridge {
	regions := c.regionSet(region)
	for _, b := range sorted {
		if _, ok := inConference[b]; !ok {
			continue
		}
		if inRegionSet(b, regions) {
			return b
		}
	}
	return nil
}

// leastLoadedInRegionGroup ignores overload, restricted to the region group.
func (c Config) leastLoadedInRegionGroup(sorted []*bridge.Bridge, region string) *bridge.Bridge {
	regions := c.regionSet(region)
	for _, b := range sorted {
		if inRegionSet(b, regions) {
			return b
		}
	}
	return nil
}

// notLoadedAlreadyInConference ignores region, restricted to bridges already
// in the conference and not overloaded.
func (c Config) notLoadedAlreadyInConference(sorted []*bridge.Bridge, inConference map[*bridge.Bridge]ConferenceBridgeProperties) *bridge.Bridge {
	for _, b := range sorted {
		if _, ok := inConference[b]; !ok {
			continue
		}
		if !c.overloaded(b, inConference) {
			return b
		}
	}
	return nil
}

// notLoaded is the fully unrestricted not-overloaded pick.
func (c Config) notLoaded(sorted []*bridge.Bridge, inConference map[*bridge.Bridge]ConferenceBridgeProperties) *bridge.Bridge {
	for _, b := range sorted {
		if !c.overloaded(b, inConference) {
			return b
		}
	}
	return nil
}

// leastLoaded picks the first bridge in sorted order, full stop.
func leastLoaded(sorted []*bridge.Bridge) *bridge.Bridge {
	if len(sorted) == 0 {
		return nil
	}
	return sorted[0]
}
