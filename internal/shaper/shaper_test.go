package shaper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-pardy/avaast/internal/record"
)

func ref(id string) record.ResourceRef {
	return record.ResourceRef{AuthorityID: "did:plc:app", ContentHash: id}
}

func TestUpdateRulesRejectsBadSums(t *testing.T) {
	s := New()
	err := s.UpdateRules([]Rule{{Deploy: ref("a"), WeightBP: 5000}, {Deploy: ref("b"), WeightBP: 4000}})
	assert.Error(t, err)

	_, ok := s.SelectDeploy("")
	assert.False(t, ok, "rejected update must not replace the (empty) rule set")
}

func TestUpdateRulesRejectedUpdatePreservesPrevious(t *testing.T) {
	s := New()
	require.NoError(t, s.UpdateRules([]Rule{{Deploy: ref("a"), WeightBP: 10000}}))

	err := s.UpdateRules([]Rule{{Deploy: ref("b"), WeightBP: 5000}, {Deploy: ref("c"), WeightBP: 4000}})
	assert.Error(t, err)

	d, ok := s.SelectDeploy("")
	require.True(t, ok)
	assert.Equal(t, ref("a"), d)
}

func TestSelectDeployZeroRules(t *testing.T) {
	s := New()
	_, ok := s.SelectDeploy("anything")
	assert.False(t, ok)
}

func TestSelectDeploySingleRule(t *testing.T) {
	s := New()
	require.NoError(t, s.UpdateRules([]Rule{{Deploy: ref("only"), WeightBP: 10000}}))
	d, ok := s.SelectDeploy("")
	require.True(t, ok)
	assert.Equal(t, ref("only"), d)
}

func TestSelectDeploySingleRuleRejectsNonFullWeight(t *testing.T) {
	s := New()
	err := s.UpdateRules([]Rule{{Deploy: ref("only"), WeightBP: 9000}})
	assert.Error(t, err)
}

func TestSelectDeployStickyKeyIsStable(t *testing.T) {
	s := New()
	require.NoError(t, s.UpdateRules([]Rule{
		{Deploy: ref("a"), WeightBP: 7000},
		{Deploy: ref("b"), WeightBP: 3000},
	}))
	first, ok := s.SelectDeploy("did:plc:alice")
	require.True(t, ok)
	for i := 0; i < 100; i++ {
		d, ok := s.SelectDeploy("did:plc:alice")
		require.True(t, ok)
		assert.Equal(t, first, d)
	}
}

func TestSelectDeployWeightedDistributionWithinTwoPercent(t *testing.T) {
	s := New()
	require.NoError(t, s.UpdateRules([]Rule{
		{Deploy: ref("a"), WeightBP: 7000},
		{Deploy: ref("b"), WeightBP: 3000},
	}))
	const n = 10000
	aCount := 0
	for i := 0; i < n; i++ {
		d, ok := s.SelectDeploy("")
		require.True(t, ok)
		if d == ref("a") {
			aCount++
		}
	}
	share := float64(aCount) / float64(n)
	assert.InDelta(t, 0.70, share, 0.02)
}

func TestStickyHashDeterministic(t *testing.T) {
	a := StickyHash("did:plc:alice")
	b := StickyHash("did:plc:alice")
	assert.Equal(t, a, b)

	c := StickyHash("did:plc:bob")
	assert.NotEqual(t, a, c)
}
