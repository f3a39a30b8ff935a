package access

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin   = common.HexToAddress("0xa11")
	keeper  = common.HexToAddress("0xb22")
	alice   = common.HexToAddress("0xc33")
	bob     = common.HexToAddress("0xd44")
	mallory = common.HexToAddress("0xe55")
)

func newTestRegistry() *Registry {
	level, _ := log.ToLevel("error")
	return NewRegistry(admin, log.NewTestLogger(level))
}

func TestLevels(t *testing.T) {
	r := newTestRegistry()

	assert.True(t, r.IsAuthorized(admin, LevelSettingsAdmin))
	assert.False(t, r.IsAuthorized(keeper, LevelPositionManager))
	assert.True(t, r.IsAuthorized(mallory, LevelUser))

	require.NoError(t, r.Grant(admin, keeper, LevelLiquidator))
	assert.True(t, r.IsAuthorized(keeper, LevelPositionManager))
	assert.True(t, r.IsAuthorized(keeper, LevelLiquidator))
	assert.False(t, r.IsAuthorized(keeper, LevelSettingsAdmin))

	t.Run("NonAdminCannotGrant", func(t *testing.T) {
		err := r.Grant(keeper, mallory, LevelAdmin)
		assert.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("RevokeToUser", func(t *testing.T) {
		require.NoError(t, r.Grant(admin, keeper, LevelUser))
		assert.Equal(t, LevelUser, r.LevelOf(keeper))
	})
}

func TestDelegates(t *testing.T) {
	r := newTestRegistry()

	assert.True(t, r.IsDelegate(alice, alice))
	assert.False(t, r.IsDelegate(alice, bob))

	r.AddDelegates(alice, []common.Address{bob})
	assert.True(t, r.IsDelegate(alice, bob))
	assert.False(t, r.IsDelegate(bob, alice))
	assert.Len(t, r.Delegates(alice), 1)

	r.RemoveDelegates(alice, []common.Address{bob})
	assert.False(t, r.IsDelegate(alice, bob))
}

func TestBanList(t *testing.T) {
	r := newTestRegistry()

	assert.ErrorIs(t, r.SetBanned(mallory, []common.Address{alice}, true), ErrNotAllowed)

	require.NoError(t, r.SetBanned(admin, []common.Address{mallory}, true))
	assert.True(t, r.IsBanned(mallory))

	require.NoError(t, r.SetBanned(admin, []common.Address{mallory}, false))
	assert.False(t, r.IsBanned(mallory))
}
