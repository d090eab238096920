// Package cascade implements the conference-scoped bridge graph: relay
// nodes linked into full meshes, plus the mesh-aware traversals used for
// removal repair and broadcast fan-out.
package cascade

import (
	"fmt"

	"github.com/katalvlaran/lvlath/bfs"
	"github.com/katalvlaran/lvlath/core"
)

// nullKey is the sessions-map key standing in for an absent relayId; at most
// one node may carry it.
const nullKey = ""

// Link is an ownership-less descriptor naming a peer relay and the mesh it
// belongs to.
type Link struct {
	RelayID string
	MeshID  string
}

// Node is one relay participant in the cascade.
type Node struct {
	RelayID string
	relays  map[string]*Link // peer relayId -> Link
}

func newNode(relayID string) *Node {
	return &Node{RelayID: relayID, relays: make(map[string]*Link)}
}

// Links returns a snapshot of n's outbound links, keyed by peer relayId.
func (n *Node) Links() map[string]Link {
	out := make(map[string]Link, len(n.relays))
	for k, l := range n.relays {
		out[k] = *l
	}
	return out
}

// RemoveLinkFunc is invoked once per broken link during removeNode so the
// host can expire the corresponding per-bridge relay state.
type RemoveLinkFunc func(from, to string)

// RepairFunc computes replacement links after an articulation-point removal
// splits the cascade into partitions. Each partition is the set of relayIds
// reachable from one of the severed links. It returns the new links to add.
type RepairFunc func(c *Cascade, partitions [][]string) []ProposedLink

// ProposedLink is a repair-time request to link two nodes on a mesh.
type ProposedLink struct {
	A, B   string
	MeshID string
}

// Cascade is a conference-scoped graph of relay nodes. Not safe for
// concurrent use without external synchronization; callers in this module
// hold the owning conference's mutex while mutating it.
type Cascade struct {
	sessions map[string]*Node // relayId ("" = null) -> Node
}

// New returns an empty Cascade.
func New() *Cascade {
	return &Cascade{sessions: make(map[string]*Node)}
}

func keyOf(relayID string) string {
	return relayID
}

// LinksOf returns a snapshot of relayID's outbound links keyed by peer
// relayId, and whether the node exists at all.
func (c *Cascade) LinksOf(relayID string) (map[string]Link, bool) {
	n, ok := c.sessions[keyOf(relayID)]
	if !ok {
		return nil, false
	}
	return n.Links(), true
}

// Has reports whether relayID already participates in the cascade.
func (c *Cascade) Has(relayID string) bool {
	_, ok := c.sessions[keyOf(relayID)]
	return ok
}

// Size returns the number of nodes in the cascade.
func (c *Cascade) Size() int {
	return len(c.sessions)
}

// Nodes returns every relayId currently in the cascade.
func (c *Cascade) Nodes() []string {
	out := make([]string, 0, len(c.sessions))
	for k := range c.sessions {
		out = append(out, k)
	}
	return out
}

func (c *Cascade) meshMembers(meshID string) []string {
	var members []string
	for _, n := range c.sessions {
		for _, l := range n.relays {
			if l.MeshID == meshID {
				members = append(members, n.RelayID)
				break
			}
		}
	}
	return members
}

func (c *Cascade) link(a, b, meshID string) {
	na := c.sessions[keyOf(a)]
	nb := c.sessions[keyOf(b)]
	na.relays[b] = &Link{RelayID: b, MeshID: meshID}
	nb.relays[a] = &Link{RelayID: a, MeshID: meshID}
}

// AddNodeToMesh splices newNodeRelayID into the cascade on meshID. A lone
// first node joins with no links; a second node links to the sole existing
// one; after that, a node joining an established mesh links to every member,
// while a node starting a new mesh anchors at existingNode. existingNode is
// optional (pass "" for none) except when anchoring a new mesh;
// newNodeRelayID must not already be in the cascade. When the target mesh is
// already populated, a supplied existingNode is not additionally checked for
// membership in it.
func (c *Cascade) AddNodeToMesh(newNodeRelayID, meshID, existingNode string) error {
	if c.Has(newNodeRelayID) {
		return fmt.Errorf("cascade: node %q already present", newNodeRelayID)
	}
	newNode := newNode(newNodeRelayID)

	switch c.Size() {
	case 0:
		c.sessions[keyOf(newNodeRelayID)] = newNode
		return nil
	case 1:
		var only string
		for k := range c.sessions {
			only = k
		}
		if existingNode != "" && existingNode != only {
			return fmt.Errorf("cascade: existingNode %q is not the sole cascade member %q", existingNode, only)
		}
		c.sessions[keyOf(newNodeRelayID)] = newNode
		c.link(only, newNodeRelayID, meshID)
		return nil
	default:
		members := c.meshMembers(meshID)
		c.sessions[keyOf(newNodeRelayID)] = newNode
		if len(members) == 0 {
			if existingNode == "" {
				delete(c.sessions, keyOf(newNodeRelayID))
				return fmt.Errorf("cascade: existingNode required to anchor a new mesh %q", meshID)
			}
			if !c.Has(existingNode) {
				delete(c.sessions, keyOf(newNodeRelayID))
				return fmt.Errorf("cascade: existingNode %q not in cascade", existingNode)
			}
			c.link(existingNode, newNodeRelayID, meshID)
			return nil
		}
		for _, m := range members {
			c.link(m, newNodeRelayID, meshID)
		}
		return nil
	}
}

// RemoveNode detaches relayID from the cascade, invokes onRemoveLink once
// per broken link, and, when the removed node was bridging more than one
// mesh, repairs the resulting split via repair.
func (c *Cascade) RemoveNode(relayID string, onRemoveLink RemoveLinkFunc, repair RepairFunc) error {
	n, ok := c.sessions[keyOf(relayID)]
	if !ok {
		return fmt.Errorf("cascade: node %q not present", relayID)
	}

	peers := make([]string, 0, len(n.relays))
	meshesSeen := make(map[string]struct{})
	for peer, l := range n.relays {
		peers = append(peers, peer)
		meshesSeen[l.MeshID] = struct{}{}
	}

	delete(c.sessions, keyOf(relayID))
	for _, peer := range peers {
		if pn, ok := c.sessions[keyOf(peer)]; ok {
			delete(pn.relays, relayID)
		}
		if onRemoveLink != nil {
			onRemoveLink(relayID, peer)
		}
	}

	if len(meshesSeen) <= 1 || repair == nil {
		return nil
	}

	partitions := make([][]string, 0, len(peers))
	for _, peer := range peers {
		if !c.Has(peer) {
			continue
		}
		reached := c.getNodesBehindFrom(peer, relayID)
		partitions = append(partitions, reached)
	}

	for _, p := range repair(c, partitions) {
		c.link(p.A, p.B, p.MeshID)
	}
	return nil
}

// getNodesBehindFrom is the core DFS for GetNodesBehind: it walks every link
// from `toward` and skips any link into `removedParent`, whatever its
// meshId, so `removedParent` is never visited. Because the
// cascade is a tree of meshes (invariant 7), that single exclusion is enough
// to stay on toward's side — any other path back would have to cross a
// mesh's internal links, which only reach nodes already co-located with
// `toward`.
func (c *Cascade) getNodesBehindFrom(toward, removedParent string) []string {
	visited := map[string]struct{}{toward: {}}
	var stack []string
	stack = append(stack, toward)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := c.sessions[keyOf(cur)]
		if !ok {
			continue
		}
		for peer := range n.relays {
			if peer == removedParent {
				continue
			}
			if _, seen := visited[peer]; seen {
				continue
			}
			visited[peer] = struct{}{}
			stack = append(stack, peer)
		}
	}

	out := make([]string, 0, len(visited))
	for k := range visited {
		out = append(out, k)
	}
	return out
}

// GetNodesBehind returns the set of nodes reachable from `toward`, inclusive
// of `toward`, without visiting `from`. Links are followed regardless of
// their meshId; the walk does not filter them by mesh.
func (c *Cascade) GetNodesBehind(from, toward string) []string {
	return c.getNodesBehindFrom(toward, from)
}

// GetDistanceFrom walks from start and returns the hop-count of the first
// node satisfying predicate. Note: this is the first satisfying path found,
// not necessarily the shortest when multiple mesh-crossing paths exist.
func (c *Cascade) GetDistanceFrom(start string, predicate func(relayID string) bool) (int, bool) {
	visited := map[string]struct{}{start: {}}
	type frame struct {
		relayID string
		dist    int
	}
	stack := []frame{{relayID: start, dist: 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if predicate(f.relayID) {
			return f.dist, true
		}
		n, ok := c.sessions[keyOf(f.relayID)]
		if !ok {
			continue
		}
		for peer := range n.relays {
			if _, seen := visited[peer]; seen {
				continue
			}
			visited[peer] = struct{}{}
			stack = append(stack, frame{relayID: peer, dist: f.dist + 1})
		}
	}
	return 0, false
}

// GetPathsFrom visits every node reachable from root exactly once, invoking
// cb(node, parent) with parent == "" for root.
func (c *Cascade) GetPathsFrom(root string, cb func(node, parent string)) {
	if !c.Has(root) {
		return
	}
	visited := map[string]struct{}{root: {}}
	type frame struct{ node, parent string }
	stack := []frame{{node: root, parent: ""}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		cb(f.node, f.parent)
		n := c.sessions[keyOf(f.node)]
		for peer := range n.relays {
			if _, seen := visited[peer]; seen {
				continue
			}
			visited[peer] = struct{}{}
			stack = append(stack, frame{node: peer, parent: f.node})
		}
	}
}

// checkNoCrossMeshCycles enforces treeness modulo meshes: two distinct
// meshes must never connect the same pair of already-linked components. It
// treats each mesh as contracting its member nodes into one blob (a full
// mesh has no redundant path of its own) and unions them with a
// disjoint-set; a union that finds both members already in the same set
// means some other mesh already bridges them, i.e. a multi-path that
// crosses mesh boundaries.
func checkNoCrossMeshCycles(meshes map[string]map[string]struct{}) error {
	parent := make(map[string]string)
	find := func(x string) string {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	for _, members := range meshes {
		for m := range members {
			if _, ok := parent[m]; !ok {
				parent[m] = m
			}
		}
	}

	for meshID, members := range meshes {
		var first string
		for m := range members {
			first = m
			break
		}
		for other := range members {
			if other == first {
				continue
			}
			ra, rb := find(first), find(other)
			if ra == rb {
				return fmt.Errorf("cascade: mesh %q creates a cross-mesh cycle: %q and %q are already connected through another mesh", meshID, first, other)
			}
			parent[ra] = rb
		}
	}
	return nil
}

// Validate checks the cascade's structural invariants: no self-loops, link
// keys matching their link's relayId, every link mirrored on its peer with
// the same meshId, every mesh a complete graph, the whole graph connected,
// and no redundant paths outside a single mesh. Connectivity is delegated
// to a transient lvlath graph and its BFS traversal rather than a bespoke
// walk, since plain reachability has no mesh-aware semantics to get wrong
// and a real graph library is the more natural tool for it; the
// redundant-path check is checkNoCrossMeshCycles above.
func (c *Cascade) Validate() error {
	for _, n := range c.sessions {
		for peer, l := range n.relays {
			if peer == n.RelayID {
				return fmt.Errorf("cascade: self-loop at %q", n.RelayID)
			}
			if l.RelayID != peer {
				return fmt.Errorf("cascade: link key %q does not match link.relayId %q", peer, l.RelayID)
			}
			pn, ok := c.sessions[keyOf(peer)]
			if !ok {
				return fmt.Errorf("cascade: node %q links to absent peer %q", n.RelayID, peer)
			}
			back, ok := pn.relays[n.RelayID]
			if !ok {
				return fmt.Errorf("cascade: no matching inbound link %q -> %q", peer, n.RelayID)
			}
			if back.MeshID != l.MeshID {
				return fmt.Errorf("cascade: mismatched meshId between %q and %q", n.RelayID, peer)
			}
		}
	}

	meshes := make(map[string]map[string]struct{})
	for _, n := range c.sessions {
		for _, l := range n.relays {
			if meshes[l.MeshID] == nil {
				meshes[l.MeshID] = make(map[string]struct{})
			}
			meshes[l.MeshID][n.RelayID] = struct{}{}
		}
	}
	for meshID, members := range meshes {
		for m := range members {
			node := c.sessions[keyOf(m)]
			for other := range members {
				if other == m {
					continue
				}
				l, ok := node.relays[other]
				if !ok || l.MeshID != meshID {
					return fmt.Errorf("cascade: mesh %q is not a full mesh: %q missing link to %q", meshID, m, other)
				}
			}
		}
	}

	if err := checkNoCrossMeshCycles(meshes); err != nil {
		return err
	}

	if len(c.sessions) == 0 {
		return nil
	}
	g := core.NewGraph(core.WithMultiEdges())
	for id := range c.sessions {
		if err := g.AddVertex(id); err != nil {
			return fmt.Errorf("cascade: building validation graph: %w", err)
		}
	}
	seen := make(map[[2]string]struct{})
	for _, n := range c.sessions {
		for peer := range n.relays {
			key := [2]string{n.RelayID, peer}
			rkey := [2]string{peer, n.RelayID}
			if _, ok := seen[key]; ok {
				continue
			}
			if _, ok := seen[rkey]; ok {
				continue
			}
			seen[key] = struct{}{}
			if _, err := g.AddEdge(n.RelayID, peer, 0); err != nil {
				return fmt.Errorf("cascade: building validation graph: %w", err)
			}
		}
	}

	var root string
	for id := range c.sessions {
		root = id
		break
	}
	result, err := bfs.BFS(g, root)
	if err != nil {
		return fmt.Errorf("cascade: connectivity check: %w", err)
	}
	if len(result.Order) != len(c.sessions) {
		return fmt.Errorf("cascade: graph is not connected: reached %d of %d nodes", len(result.Order), len(c.sessions))
	}
	return nil
}
