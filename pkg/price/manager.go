// Package price converts between USD and token amounts using oracle prices.
//
// Prices are USD per whole token with 30 decimals. Conversions floor.
package price

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/fixed"
)

// Decimals resolves the native decimals of a token.
type Decimals interface {
	TokenDecimals(token common.Address) (uint8, bool)
}

// Manager is the price manager consumed by the engine and the pool.
type Manager struct {
	oracle   Oracle
	fallback Oracle
	decimals Decimals
	logger   log.Logger
}

// NewManager creates a price manager over oracle.
func NewManager(oracle Oracle, decimals Decimals, logger log.Logger) *Manager {
	return &Manager{
		oracle:   oracle,
		decimals: decimals,
		logger:   logger,
	}
}

// SetFallback installs an oracle consulted when the primary one is stale.
func (m *Manager) SetFallback(o Oracle) {
	m.fallback = o
}

// GetLastPrice returns the latest price of token normalized to 1e30.
func (m *Manager) GetLastPrice(token common.Address) (*big.Int, error) {
	p, dec, _, err := m.oracle.LatestPrice(token)
	if err != nil && m.fallback != nil && errors.Is(err, ErrStalePrice) {
		m.logger.Warn("primary feed stale, using fallback", "token", token)
		p, dec, _, err = m.fallback.LatestPrice(token)
	}
	if err != nil {
		return nil, err
	}
	if p == nil || p.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive price for %s", ErrInvalidPriceFeed, token.Hex())
	}
	return fixed.MulDiv(p, fixed.PricePrecision, fixed.Pow10(int(dec))), nil
}

// TokenToUSD converts a native token amount into 1e30 USD at the latest price.
func (m *Manager) TokenToUSD(token common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() == 0 {
		return fixed.Zero(), nil
	}
	dec, err := m.tokenDecimals(token)
	if err != nil {
		return nil, err
	}
	p, err := m.GetLastPrice(token)
	if err != nil {
		return nil, err
	}
	return ToUSD(amount, p, dec), nil
}

// USDToToken converts 1e30 USD into a native token amount at the latest price.
func (m *Manager) USDToToken(token common.Address, usd *big.Int) (*big.Int, error) {
	if usd == nil || usd.Sign() == 0 {
		return fixed.Zero(), nil
	}
	dec, err := m.tokenDecimals(token)
	if err != nil {
		return nil, err
	}
	p, err := m.GetLastPrice(token)
	if err != nil {
		return nil, err
	}
	return ToToken(usd, p, dec), nil
}

func (m *Manager) tokenDecimals(token common.Address) (uint8, error) {
	dec, ok := m.decimals.TokenDecimals(token)
	if !ok {
		return 0, fmt.Errorf("%w: no decimals for %s", ErrInvalidPriceFeed, token.Hex())
	}
	return dec, nil
}

// ToUSD returns amount*price/10^decimals.
func ToUSD(amount, price *big.Int, decimals uint8) *big.Int {
	return fixed.MulDiv(amount, price, fixed.Pow10(int(decimals)))
}

// ToToken returns usd*10^decimals/price.
func ToToken(usd, price *big.Int, decimals uint8) *big.Int {
	return fixed.MulDiv(usd, fixed.Pow10(int(decimals)), price)
}
