package state_test

import (
	"IndexVault/internal/state"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShareLedger_MintBurn(t *testing.T) {
	l := state.NewShareLedger()
	l.Mint("alice", usd("10"))
	l.Mint("bob", usd("5"))
	l.Mint("alice", usd("1"))

	assert.True(t, l.Total().Eq(usd("16")))
	assert.True(t, l.BalanceOf("alice").Eq(usd("11")))
	assert.True(t, l.BalanceOf("carol").IsZero())

	require.NoError(t, l.Burn("bob", usd("5")))
	assert.True(t, l.Total().Eq(usd("11")))
	_, ok := l.Balances()["bob"]
	assert.False(t, ok, "empty holders are dropped")

	err := l.Burn("alice", usd("12"))
	assert.True(t, errors.Is(err, state.ErrInsufficientShares))
	assert.True(t, l.BalanceOf("alice").Eq(usd("11")))

	assert.True(t, errors.Is(l.Burn("carol", usd("1")), state.ErrInsufficientShares))
}

func TestShareLedger_CanonicalBytesIgnoresInsertionOrder(t *testing.T) {
	a := state.NewShareLedger()
	a.Mint("alice", usd("1"))
	a.Mint("bob", usd("2"))

	b := state.NewShareLedger()
	b.Mint("bob", usd("2"))
	b.Mint("alice", usd("1"))

	assert.Equal(t, a.CanonicalBytes(), b.CanonicalBytes())

	restored := state.RestoreShareLedger(a.Balances())
	assert.Equal(t, a.CanonicalBytes(), restored.CanonicalBytes())
	assert.True(t, restored.Total().Eq(usd("3")))
}

func TestShareLedger_CloneIsIndependent(t *testing.T) {
	a := state.NewShareLedger()
	a.Mint("alice", usd("1"))
	c := a.Clone()
	c.Mint("alice", usd("1"))

	assert.True(t, a.BalanceOf("alice").Eq(usd("1")))
	assert.True(t, c.Total().Eq(usd("2")))
}
