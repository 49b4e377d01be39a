// Package price provides the ETH/USD spot price oracle and the conversions
// between chips, USD, ETH and wei. All maths uses shopspring/decimal.
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCoinbaseURL is the public spot price endpoint.
const DefaultCoinbaseURL = "https://api.coinbase.com/v2/prices/ETH-USD/spot"

// ErrUnavailable means no usable price could be fetched.
var ErrUnavailable = errors.New("price: feed unavailable")

// Oracle returns the current USD price of one ETH.
type Oracle interface {
	SpotPrice(ctx context.Context) (decimal.Decimal, error)
}

// CoinbaseOracle reads the Coinbase public spot price API.
type CoinbaseOracle struct {
	url    string
	client *http.Client
}

// NewCoinbaseOracle creates an oracle. An empty url uses DefaultCoinbaseURL.
func NewCoinbaseOracle(url string, timeout time.Duration) *CoinbaseOracle {
	if url == "" {
		url = DefaultCoinbaseURL
	}
	return &CoinbaseOracle{url: url, client: &http.Client{Timeout: timeout}}
}

type spotResponse struct {
	Data struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	} `json:"data"`
}

func (o *CoinbaseOracle) SpotPrice(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("User-Agent", "chip-ledger/price")
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body spotResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	amount, err := decimal.NewFromString(body.Data.Amount)
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: invalid amount %q", ErrUnavailable, body.Data.Amount)
	}
	return amount, nil
}

// StaticOracle always returns the same price, or Err when set.
type StaticOracle struct {
	Price decimal.Decimal
	Err   error
}

func (o StaticOracle) SpotPrice(context.Context) (decimal.Decimal, error) {
	if o.Err != nil {
		return decimal.Zero, o.Err
	}
	return o.Price, nil
}

// --- Conversions ---

// ChipsToUSD values chips at the fixed chip rate.
func ChipsToUSD(chips int64, chipUSDRate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(chips).Mul(chipUSDRate)
}

// USDToETH converts a USD amount at the given ETH/USD price.
func USDToETH(usd, ethUSD decimal.Decimal) decimal.Decimal {
	if !ethUSD.IsPositive() {
		return decimal.Zero
	}
	return usd.DivRound(ethUSD, 18)
}

// ETHToWei truncates to whole wei.
func ETHToWei(eth decimal.Decimal) *big.Int {
	return eth.Shift(18).Truncate(0).BigInt()
}

// WeiToETH converts wei to ETH exactly.
func WeiToETH(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18)
}

// WeiToUSD values wei at the given ETH/USD price.
func WeiToUSD(wei *big.Int, ethUSD decimal.Decimal) decimal.Decimal {
	return WeiToETH(wei).Mul(ethUSD)
}
