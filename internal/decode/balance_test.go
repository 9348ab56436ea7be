package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttributeBalanceSpent(t *testing.T) {
	pre := []uint64{5_000_000_000, 1_000_000_000}
	post := []uint64{2_500_000_000, 1_000_000_000}

	att := AttributeBalance(pre, post, 0)
	assert.True(t, att.Found)
	assert.InDelta(t, 2.5, att.Spent, 1e-9)
	assert.Zero(t, att.Received)
	assert.InDelta(t, -2.5, att.Delta(), 1e-9)
}

func TestAttributeBalanceReceived(t *testing.T) {
	pre := []uint64{1_000_000_000}
	post := []uint64{4_000_000_000}

	att := AttributeBalance(pre, post, 0)
	assert.True(t, att.Found)
	assert.Zero(t, att.Spent)
	assert.InDelta(t, 3.0, att.Received, 1e-9)
}

func TestAttributeBalanceUnchanged(t *testing.T) {
	pre := []uint64{7_000_000_000}
	post := []uint64{7_000_000_000}

	att := AttributeBalance(pre, post, 0)
	assert.True(t, att.Found)
	assert.Zero(t, att.Spent)
	assert.Zero(t, att.Received)
}

func TestAttributeBalanceMissingIndex(t *testing.T) {
	pre := []uint64{1_000_000_000}
	post := []uint64{2_000_000_000}

	for _, idx := range []int{-1, 1, 99} {
		att := AttributeBalance(pre, post, idx)
		assert.False(t, att.Found)
		assert.Zero(t, att.Spent)
		assert.Zero(t, att.Received)
	}
}

func TestAttributeBalanceNeverBoth(t *testing.T) {
	cases := []struct{ pre, post uint64 }{
		{0, 0},
		{1, 2},
		{2, 1},
		{1_000_000_000, 999_999_999},
		{999_999_999, 1_000_000_000},
	}
	for _, c := range cases {
		att := AttributeBalance([]uint64{c.pre}, []uint64{c.post}, 0)
		assert.False(t, att.Spent > 0 && att.Received > 0,
			"both spent and received populated for pre=%d post=%d", c.pre, c.post)
	}
}
