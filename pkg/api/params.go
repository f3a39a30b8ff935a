package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/position"
)

// USD is a dollar amount written as a decimal string ("57000.5") and held
// as a 1e30 fixed-point integer.
type USD struct {
	v *big.Int
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON number.
func (u *USD) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		u.v = nil
		return nil
	}
	v, err := fixed.ParseUSD(s)
	if err != nil {
		return fmt.Errorf("invalid USD amount %q: %w", s, err)
	}
	u.v = v
	return nil
}

// Big returns the 1e30 value, or nil when absent.
func (u USD) Big() *big.Int {
	return u.v
}

// Amount is a raw integer in the token's smallest unit, written as a string.
type Amount struct {
	v *big.Int
}

// UnmarshalJSON accepts a quoted or bare base-10 integer.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		a.v = nil
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid integer amount %q", s)
	}
	a.v = v
	return nil
}

// Big returns the value, or nil when absent.
func (a Amount) Big() *big.Int {
	return a.v
}

func parseKind(s string) (position.OrderKind, error) {
	switch strings.ToLower(s) {
	case "market", "":
		return position.Market, nil
	case "limit":
		return position.Limit, nil
	case "stop-market", "stop_market", "stopmarket":
		return position.StopMarket, nil
	case "stop-limit", "stop_limit", "stoplimit":
		return position.StopLimit, nil
	default:
		return 0, fmt.Errorf("unknown order kind %q", s)
	}
}

func parseStepType(s string) (position.StepType, error) {
	switch strings.ToLower(s) {
	case "amount", "":
		return position.StepAmount, nil
	case "percent":
		return position.StepPercent, nil
	default:
		return 0, fmt.Errorf("unknown step type %q", s)
	}
}

// decode unmarshals params into v, mapping failures to InvalidParams.
func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

func usdOrZero(u USD) *big.Int {
	if u.v == nil {
		return new(big.Int)
	}
	return u.v
}
