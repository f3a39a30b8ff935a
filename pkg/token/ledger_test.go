package token

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc  = common.HexToAddress("0x100")
	alice = common.HexToAddress("0x1")
	bob   = common.HexToAddress("0x2")
	vault = common.HexToAddress("0x3")
)

func TestMintBurn(t *testing.T) {
	l := NewLedger()

	require.NoError(t, l.Mint(usdc, alice, big.NewInt(1000)))
	assert.Equal(t, big.NewInt(1000), l.BalanceOf(usdc, alice))
	assert.Equal(t, big.NewInt(1000), l.TotalSupply(usdc))

	require.NoError(t, l.Burn(usdc, alice, big.NewInt(400)))
	assert.Equal(t, big.NewInt(600), l.BalanceOf(usdc, alice))
	assert.Equal(t, big.NewInt(600), l.TotalSupply(usdc))

	err := l.Burn(usdc, alice, big.NewInt(601))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	assert.ErrorIs(t, l.Mint(usdc, alice, big.NewInt(-1)), ErrInvalidAmount)

	t.Run("zero burn of an unminted token", func(t *testing.T) {
		other := common.HexToAddress("0x0b")
		require.NoError(t, l.Burn(other, alice, new(big.Int)))
		assert.Equal(t, 0, l.TotalSupply(other).Sign())
		assert.ErrorIs(t, l.Burn(other, alice, big.NewInt(1)), ErrInsufficientBalance)
	})
}

func TestTransfer(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Mint(usdc, alice, big.NewInt(100)))

	require.NoError(t, l.Transfer(usdc, alice, bob, big.NewInt(30)))
	assert.Equal(t, big.NewInt(70), l.BalanceOf(usdc, alice))
	assert.Equal(t, big.NewInt(30), l.BalanceOf(usdc, bob))

	err := l.Transfer(usdc, bob, alice, big.NewInt(31))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, big.NewInt(30), l.BalanceOf(usdc, bob))
}

func TestTransferFrom(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Mint(usdc, alice, big.NewInt(100)))

	t.Run("NoAllowance", func(t *testing.T) {
		err := l.TransferFrom(usdc, vault, alice, vault, big.NewInt(10))
		assert.ErrorIs(t, err, ErrInsufficientAllowance)
	})

	t.Run("WithAllowance", func(t *testing.T) {
		require.NoError(t, l.Approve(usdc, alice, vault, big.NewInt(50)))
		require.NoError(t, l.TransferFrom(usdc, vault, alice, vault, big.NewInt(40)))
		assert.Equal(t, big.NewInt(10), l.Allowance(usdc, alice, vault))
		assert.Equal(t, big.NewInt(40), l.BalanceOf(usdc, vault))
	})

	t.Run("SelfSpend", func(t *testing.T) {
		require.NoError(t, l.TransferFrom(usdc, alice, alice, bob, big.NewInt(5)))
		assert.Equal(t, big.NewInt(5), l.BalanceOf(usdc, bob))
	})
}

func TestSnapshotRestore(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Mint(usdc, alice, big.NewInt(100)))
	require.NoError(t, l.Mint(usdc, bob, big.NewInt(20)))
	require.NoError(t, l.Transfer(usdc, bob, alice, big.NewInt(20)))

	snap := l.Snapshot()
	assert.Len(t, snap.Balances[usdc], 1, "zero balances are dropped")

	r := NewLedger()
	r.Restore(snap)
	assert.Equal(t, big.NewInt(120), r.BalanceOf(usdc, alice))
	assert.Equal(t, big.NewInt(120), r.TotalSupply(usdc))
	require.NoError(t, r.Burn(usdc, alice, big.NewInt(120)))
}
