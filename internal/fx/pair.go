// Package fx provides currency conversion for ledger sync: a short batching
// window that collapses concurrent conversion requests into one rate fetch,
// backed by a redis cache keyed by currency pair.
package fx

import "strings"

// Pair identifies a conversion direction. Codes are upper-case ISO 4217 or
// crypto tickers.
type Pair struct {
	From string
	To   string
}

// NewPair normalises the currency codes.
func NewPair(from, to string) Pair {
	return Pair{From: strings.ToUpper(strings.TrimSpace(from)), To: strings.ToUpper(strings.TrimSpace(to))}
}

// Same reports whether no conversion is needed.
func (p Pair) Same() bool {
	return p.From == p.To
}

func (p Pair) String() string {
	return p.From + ":" + p.To
}

// Crypto tickers the application prices. Pairs touching one of these move
// fast enough to need the short cache TTL.
var cryptoCurrencies = map[string]struct{}{
	"BTC": {}, "ETH": {}, "CELO": {}, "USDT": {}, "USDC": {},
	"DAI": {}, "MATIC": {}, "BNB": {}, "AVAX": {},
}

// Volatile reports whether either side of the pair is a crypto currency.
func (p Pair) Volatile() bool {
	_, from := cryptoCurrencies[p.From]
	_, to := cryptoCurrencies[p.To]
	return from || to
}
