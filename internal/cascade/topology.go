package cascade

import (
	"strconv"
	"sync/atomic"
)

// CoreMeshID is the fixed mesh id used for the participant-class core mesh.
const CoreMeshID = "0"

// ConnectPlan is what a TopologyStrategy decides for a newly joining node:
// which existing node to anchor to (empty means "cascade is empty, no
// anchor needed") and which mesh to link on.
type ConnectPlan struct {
	ExistingNode string
	MeshID       string
}

// AnchorCandidate is everything a TopologyStrategy needs to rank a bridge as
// a potential anchor, without depending on the bridge package directly.
type AnchorCandidate struct {
	RelayID    string
	Region     string // "" if absent
	Visitor    bool
	Overloaded bool
	NonVisitor bool // true if this anchor itself is not a visitor-class bridge
}

// TopologyStrategy decides how a newly joining relay node attaches to an
// existing Cascade, and how the graph is re-wired after a removal splits it.
type TopologyStrategy interface {
	ConnectNode(c *Cascade, newNode AnchorCandidate, candidates []AnchorCandidate) ConnectPlan
	RepairMesh(c *Cascade, partitions [][]string, candidates map[string]AnchorCandidate) []ProposedLink
}

// SingleMeshStrategy attaches every node to the one core mesh. Since a
// single full mesh cannot become disconnected by removing one node (the
// remaining nodes are still pairwise linked), RepairMesh is never expected
// to be invoked with more than one partition.
type SingleMeshStrategy struct{}

// ConnectNode always anchors to any existing node on CoreMeshID.
func (SingleMeshStrategy) ConnectNode(c *Cascade, _ AnchorCandidate, candidates []AnchorCandidate) ConnectPlan {
	if c.Size() == 0 {
		return ConnectPlan{MeshID: CoreMeshID}
	}
	var anchor string
	if len(candidates) > 0 {
		anchor = candidates[0].RelayID
	} else {
		for _, n := range c.Nodes() {
			anchor = n
			break
		}
	}
	return ConnectPlan{ExistingNode: anchor, MeshID: CoreMeshID}
}

// RepairMesh panics: a single full mesh cannot disconnect from removing one
// member, so reaching this indicates a prior invariant violation.
func (SingleMeshStrategy) RepairMesh(*Cascade, [][]string, map[string]AnchorCandidate) []ProposedLink {
	panic("cascade: single-mesh topology cannot produce a disconnecting removal")
}

// VisitorStrategy implements the participant/visitor split topology: a
// fixed participant-class core mesh, with visitor-class bridges hanging off
// it on their own fresh per-bridge meshes, satellite-tree style.
type VisitorStrategy struct {
	nextMeshID atomic.Int64 // monotonic counter, starts handing out from 1
}

// NewVisitorStrategy returns a VisitorStrategy ready to mint mesh ids.
func NewVisitorStrategy() *VisitorStrategy {
	return &VisitorStrategy{}
}

func (s *VisitorStrategy) freshMeshID() string {
	return strconv.FormatInt(s.nextMeshID.Add(1), 10)
}

// ConnectNode attaches participant-class nodes to the core mesh, and
// visitor-class nodes to a freshly-minted satellite mesh anchored at the
// best-ranked candidate.
func (s *VisitorStrategy) ConnectNode(c *Cascade, newNode AnchorCandidate, candidates []AnchorCandidate) ConnectPlan {
	if c.Size() == 0 {
		return ConnectPlan{MeshID: CoreMeshID}
	}
	if !newNode.Visitor {
		return ConnectPlan{ExistingNode: pickAnyNonEmpty(candidates), MeshID: CoreMeshID}
	}
	anchor := bestAnchor(c, newNode, candidates)
	return ConnectPlan{ExistingNode: anchor, MeshID: s.freshMeshID()}
}

func pickAnyNonEmpty(candidates []AnchorCandidate) string {
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0].RelayID
}

// bestAnchor ranks candidates by, in order of preference: minimum
// cascade-distance from any non-visitor, then same-region and
// non-overloaded, then same-region, then non-overloaded, then any.
func bestAnchor(c *Cascade, newNode AnchorCandidate, candidates []AnchorCandidate) string {
	if len(candidates) == 0 {
		return ""
	}

	coreProximity := func(relayID string) int {
		dist, ok := c.GetDistanceFrom(relayID, func(r string) bool {
			for _, cand := range candidates {
				if cand.RelayID == r && cand.NonVisitor {
					return true
				}
			}
			return false
		})
		if !ok {
			return 1 << 30
		}
		return dist
	}

	tier := func(cand AnchorCandidate) int {
		sameRegion := newNode.Region != "" && cand.Region == newNode.Region
		switch {
		case sameRegion && !cand.Overloaded:
			return 0
		case sameRegion:
			return 1
		case !cand.Overloaded:
			return 2
		default:
			return 3
		}
	}

	best := candidates[0]
	bestDist := coreProximity(best.RelayID)
	bestTier := tier(best)
	for _, cand := range candidates[1:] {
		d := coreProximity(cand.RelayID)
		t := tier(cand)
		if d < bestDist || (d == bestDist && t < bestTier) {
			best, bestDist, bestTier = cand, d, t
		}
	}
	return best.RelayID
}

// RepairMesh identifies the partition containing a non-visitor as the core
// (falling back to the first partition if none qualifies), then links every
// other partition to a best anchor within the core on a fresh mesh id.
func (s *VisitorStrategy) RepairMesh(c *Cascade, partitions [][]string, candidates map[string]AnchorCandidate) []ProposedLink {
	if len(partitions) == 0 {
		return nil
	}

	coreIdx := -1
	for i, part := range partitions {
		for _, relayID := range part {
			if cand, ok := candidates[relayID]; ok && cand.NonVisitor {
				coreIdx = i
				break
			}
		}
		if coreIdx != -1 {
			break
		}
	}
	if coreIdx == -1 {
		coreIdx = 0
	}

	var coreCandidates []AnchorCandidate
	for _, relayID := range partitions[coreIdx] {
		if cand, ok := candidates[relayID]; ok {
			coreCandidates = append(coreCandidates, cand)
		}
	}

	var proposals []ProposedLink
	for i, part := range partitions {
		if i == coreIdx || len(part) == 0 {
			continue
		}
		entry := part[0]
		anchor := bestAnchor(c, candidates[entry], coreCandidates)
		if anchor == "" {
			continue
		}
		proposals = append(proposals, ProposedLink{A: anchor, B: entry, MeshID: s.freshMeshID()})
	}
	return proposals
}
