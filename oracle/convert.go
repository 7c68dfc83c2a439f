package oracle

import (
	"fmt"
	"math/big"
)

var bigHundred = big.NewInt(100)

// FiatCentsToNative computes the ledger smallest-unit amount for a fiat
// amount in cents using fixed-point arithmetic:
//
//	native = floor(cents * 10^quoteDecimals * 10^nativeDecimals / (price * 100))
//
// ErrZeroPrice is returned when the result would not be positive.
func FiatCentsToNative(cents int64, quote Quote, nativeDecimals uint8) (*big.Int, error) {
	if cents <= 0 {
		return nil, fmt.Errorf("oracle: fiat amount must be positive")
	}
	if !quote.valid() {
		return nil, fmt.Errorf("oracle: quote price must be positive")
	}
	num := new(big.Int).SetInt64(cents)
	num.Mul(num, pow10(quote.Decimals))
	num.Mul(num, pow10(nativeDecimals))
	den := new(big.Int).Mul(quote.Price, bigHundred)
	result := num.Quo(num, den)
	if result.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	return result, nil
}

// NativeToFiatCents is the inverse conversion, flooring to whole cents.
func NativeToFiatCents(native *big.Int, quote Quote, nativeDecimals uint8) (int64, error) {
	if native == nil || native.Sign() < 0 {
		return 0, fmt.Errorf("oracle: native amount must be non-negative")
	}
	if !quote.valid() {
		return 0, fmt.Errorf("oracle: quote price must be positive")
	}
	num := new(big.Int).Mul(native, quote.Price)
	num.Mul(num, bigHundred)
	den := new(big.Int).Mul(pow10(quote.Decimals), pow10(nativeDecimals))
	cents := num.Quo(num, den)
	if !cents.IsInt64() {
		return 0, fmt.Errorf("oracle: fiat amount overflows cents")
	}
	return cents.Int64(), nil
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
