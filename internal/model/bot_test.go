package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to BotState }{
		{StatePending, StateApproved},
		{StateApproved, StateStarting},
		{StateStarting, StateOnline},
		{StateStarting, StateOffline},
		{StateStarting, StateError},
		{StateOnline, StateOffline},
		{StateOnline, StateError},
		{StateOffline, StateStarting},
		{StateError, StateOffline},
		{StatePending, StateDestroyed},
		{StateOnline, StateDestroyed},
		{StateError, StateDestroyed},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to BotState }{
		{StatePending, StateOnline},
		{StatePending, StateStarting},
		{StateApproved, StateOnline},
		{StateOffline, StateOnline},
		{StateOnline, StateStarting},
		{StateDestroyed, StateOnline},
		{StateDestroyed, StateStarting},
		{StateDestroyed, StateOffline},
		{StateDestroyed, StatePending},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestDestroyedIsTerminal(t *testing.T) {
	for _, to := range []BotState{
		StatePending, StateApproved, StateStarting,
		StateOnline, StateOffline, StateError,
	} {
		assert.False(t, CanTransition(StateDestroyed, to),
			"destroyed -> %s must never be legal", to)
	}
}

func TestIsRunning(t *testing.T) {
	assert.True(t, StateStarting.IsRunning())
	assert.True(t, StateOnline.IsRunning())
	assert.False(t, StateOffline.IsRunning())
	assert.False(t, StatePending.IsRunning())
	assert.False(t, StateDestroyed.IsRunning())
}

func TestBotInstanceBeforeCreateDefaults(t *testing.T) {
	b := &BotInstance{ExternalIdentity: "15550001111"}
	assert.NoError(t, b.BeforeCreate(nil))
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, StatePending, b.State)
	assert.Equal(t, ApprovalPending, b.Approval)

	other := &BotInstance{ExternalIdentity: "15550002222"}
	assert.NoError(t, other.BeforeCreate(nil))
	assert.NotEqual(t, b.ID, other.ID)
}
