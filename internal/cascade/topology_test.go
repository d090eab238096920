package cascade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleMeshConnectNodeEmptyCascade(t *testing.T) {
	c := New()
	plan := SingleMeshStrategy{}.ConnectNode(c, AnchorCandidate{RelayID: "a"}, nil)
	assert.Equal(t, "", plan.ExistingNode)
	assert.Equal(t, CoreMeshID, plan.MeshID)
}

func TestSingleMeshConnectNodeAnchorsToExisting(t *testing.T) {
	c := New()
	require.NoError(t, c.AddNodeToMesh("a", CoreMeshID, ""))

	plan := SingleMeshStrategy{}.ConnectNode(c, AnchorCandidate{RelayID: "b"}, []AnchorCandidate{{RelayID: "a"}})
	assert.Equal(t, "a", plan.ExistingNode)
	assert.Equal(t, CoreMeshID, plan.MeshID)
}

func TestSingleMeshRepairMeshPanics(t *testing.T) {
	assert.Panics(t, func() {
		SingleMeshStrategy{}.RepairMesh(New(), nil, nil)
	})
}

func TestVisitorConnectNodeParticipantJoinsCoreMesh(t *testing.T) {
	s := NewVisitorStrategy()
	c := New()
	require.NoError(t, c.AddNodeToMesh("core1", CoreMeshID, ""))

	plan := s.ConnectNode(c, AnchorCandidate{RelayID: "core2", NonVisitor: true},
		[]AnchorCandidate{{RelayID: "core1", NonVisitor: true}})
	assert.Equal(t, CoreMeshID, plan.MeshID)
	assert.Equal(t, "core1", plan.ExistingNode)
}

func TestVisitorConnectNodeVisitorGetsFreshMesh(t *testing.T) {
	s := NewVisitorStrategy()
	c := New()
	require.NoError(t, c.AddNodeToMesh("c", CoreMeshID, ""))

	plan := s.ConnectNode(c, AnchorCandidate{RelayID: "v", Visitor: true},
		[]AnchorCandidate{{RelayID: "c", NonVisitor: true}})
	require.Equal(t, "c", plan.ExistingNode)
	assert.Equal(t, "1", plan.MeshID)

	require.NoError(t, c.AddNodeToMesh("v", plan.MeshID, plan.ExistingNode))
	require.NoError(t, c.Validate())

	behind := c.GetNodesBehind("c", "v")
	assert.Equal(t, []string{"v"}, behind)

	// A second visitor gets its own mesh id, not a slot in the first one.
	plan2 := s.ConnectNode(c, AnchorCandidate{RelayID: "v2", Visitor: true},
		[]AnchorCandidate{{RelayID: "c", NonVisitor: true}, {RelayID: "v", Visitor: true}})
	assert.Equal(t, "2", plan2.MeshID)
}

func TestVisitorBestAnchorPrefersCoreProximityThenRegion(t *testing.T) {
	s := NewVisitorStrategy()
	c := New()
	require.NoError(t, c.AddNodeToMesh("core", CoreMeshID, ""))
	require.NoError(t, c.AddNodeToMesh("v1", "1", "core"))

	candidates := []AnchorCandidate{
		{RelayID: "v1", Visitor: true, Region: "eu"},
		{RelayID: "core", NonVisitor: true, Region: "us"},
	}
	plan := s.ConnectNode(c, AnchorCandidate{RelayID: "v2", Visitor: true, Region: "eu"}, candidates)
	assert.Equal(t, "core", plan.ExistingNode, "core proximity beats region match")
}

func TestVisitorRepairMeshDesignatesNonVisitorPartitionAsCore(t *testing.T) {
	s := NewVisitorStrategy()
	c := New()
	// hub bridges two satellite meshes; removing it splits {v1} from {core2}.
	require.NoError(t, c.AddNodeToMesh("hub", CoreMeshID, ""))
	require.NoError(t, c.AddNodeToMesh("v1", "s1", "hub"))
	require.NoError(t, c.AddNodeToMesh("core2", "s2", "hub"))

	candidates := map[string]AnchorCandidate{
		"v1":    {RelayID: "v1", Visitor: true},
		"core2": {RelayID: "core2", NonVisitor: true},
	}
	err := c.RemoveNode("hub", nil, func(cc *Cascade, partitions [][]string) []ProposedLink {
		proposals := s.RepairMesh(cc, partitions, candidates)
		require.Len(t, proposals, 1)
		// The non-visitor partition anchors; the visitor partition is reattached.
		assert.Equal(t, "core2", proposals[0].A)
		assert.Equal(t, "v1", proposals[0].B)
		return proposals
	})
	require.NoError(t, err)
	assert.NoError(t, c.Validate())
}

func TestVisitorRepairMeshFallsBackToFirstPartition(t *testing.T) {
	s := NewVisitorStrategy()
	c := New()
	require.NoError(t, c.AddNodeToMesh("hub", CoreMeshID, ""))
	require.NoError(t, c.AddNodeToMesh("v1", "s1", "hub"))
	require.NoError(t, c.AddNodeToMesh("v2", "s2", "hub"))

	candidates := map[string]AnchorCandidate{
		"v1": {RelayID: "v1", Visitor: true},
		"v2": {RelayID: "v2", Visitor: true},
	}
	err := c.RemoveNode("hub", nil, func(cc *Cascade, partitions [][]string) []ProposedLink {
		proposals := s.RepairMesh(cc, partitions, candidates)
		require.Len(t, proposals, 1)
		return proposals
	})
	require.NoError(t, err)
	assert.NoError(t, c.Validate())
	assert.Equal(t, 2, c.Size())
}
