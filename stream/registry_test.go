package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleForPartition(t *testing.T) {
	cases := []struct {
		id   uint64
		want Role
	}{
		{1, RoleHandshake},
		{2, RoleKeepalive},
		{3, RoleNodeInfo},
		{4, RoleControl},
		{9, RoleControl},
		{10, RoleRouting},
		{19, RoleRouting},
		{20, RoleAuth},
		{29, RoleAuth},
		{30, RoleReserved},
		{99, RoleReserved},
		{100, RoleUser},
		{12345, RoleUser},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, RoleFor(c.id), "id=%d", c.id)
	}
}

func TestPriorityForRole(t *testing.T) {
	assert.Equal(t, PriorityHighest, PriorityFor(RoleHandshake))
	assert.Equal(t, PriorityHigh, PriorityFor(RoleControl))
	assert.Equal(t, PriorityNormal, PriorityFor(RoleUser))
}

func TestOpenRejectsReservedForUser(t *testing.T) {
	r := New()
	err := r.Open(5, true)
	var target *ReservedStreamError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, RoleControl, target.Role)
}

func TestOpenAllowsReservedForSystem(t *testing.T) {
	r := New()
	require.NoError(t, r.Open(HandshakeStreamID, false))
	assert.Equal(t, RoleHandshake, r.Role(HandshakeStreamID))
}

func TestNextSequenceIsStrictlyIncreasing(t *testing.T) {
	r := New()
	first := r.NextSequence(100)
	second := r.NextSequence(100)
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)
}

func TestObserveInboundDetectsGap(t *testing.T) {
	r := New()
	require.NoError(t, r.ObserveInbound(100, 1))
	require.NoError(t, r.ObserveInbound(100, 2))

	err := r.ObserveInbound(100, 2)
	var target *SequenceGapError
	assert.ErrorAs(t, err, &target)
}

func TestCloseRemovesBookkeeping(t *testing.T) {
	r := New()
	require.NoError(t, r.Open(100, true))
	assert.Equal(t, 1, r.Len())
	r.Close(100)
	assert.Equal(t, 0, r.Len())
}
