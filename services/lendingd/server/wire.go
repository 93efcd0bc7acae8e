package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"termlend/native/lending"
	fp "termlend/native/lending/fixedpoint"
)

const requestLimit = 1 << 20

var errBadRequest = errors.New("bad request")

// Amounts on the wire are base-unit decimal strings. Rates, factors and
// prices are decimals with up to 18 fractional digits.

type paramsResponse struct {
	MaxFuturePools                  uint64 `json:"maxFuturePools"`
	EarningsAccumulatorSmoothFactor string `json:"earningsAccumulatorSmoothFactor"`
	PenaltyRatePerSecond            string `json:"penaltyRatePerSecond"`
	BackupFeeRate                   string `json:"backupFeeRate"`
	ReserveFactor                   string `json:"reserveFactor"`
	DampSpeedUp                     string `json:"dampSpeedUp"`
	DampSpeedDown                   string `json:"dampSpeedDown"`
	TreasuryFeeRate                 string `json:"treasuryFeeRate"`
	Treasury                        string `json:"treasury,omitempty"`
}

type poolResponse struct {
	Maturity           uint64 `json:"maturity"`
	State              string `json:"state"`
	Borrowed           string `json:"borrowed"`
	Supplied           string `json:"supplied"`
	UnassignedEarnings string `json:"unassignedEarnings"`
	BackupSupplied     string `json:"backupSupplied"`
	LastAccrual        uint64 `json:"lastAccrual"`
}

type marketResponse struct {
	Symbol                    string         `json:"symbol"`
	Timestamp                 uint64         `json:"timestamp"`
	Paused                    bool           `json:"paused"`
	Price                     string         `json:"price"`
	AdjustFactor              string         `json:"adjustFactor"`
	TotalAssets               string         `json:"totalAssets"`
	TotalSupply               string         `json:"totalSupply"`
	FloatingAssets            string         `json:"floatingAssets"`
	FloatingDebt              string         `json:"floatingDebt"`
	FloatingBackupBorrowed    string         `json:"floatingBackupBorrowed"`
	TotalFloatingBorrowShares string         `json:"totalFloatingBorrowShares"`
	FloatingAssetsAverage     string         `json:"floatingAssetsAverage"`
	EarningsAccumulator       string         `json:"earningsAccumulator"`
	FloatingUtilization       string         `json:"floatingUtilization"`
	FloatingRate              string         `json:"floatingRate"`
	Params                    paramsResponse `json:"params"`
	Pools                     []poolResponse `json:"pools"`
}

type positionResponse struct {
	Maturity  uint64 `json:"maturity"`
	Principal string `json:"principal"`
	Fee       string `json:"fee"`
}

type accountResponse struct {
	Market               string             `json:"market"`
	Address              string             `json:"address"`
	WalletBalance        string             `json:"walletBalance"`
	Shares               string             `json:"shares"`
	Assets               string             `json:"assets"`
	Debt                 string             `json:"debt"`
	FloatingBorrowShares string             `json:"floatingBorrowShares"`
	FixedDeposits        []positionResponse `json:"fixedDeposits"`
	FixedBorrows         []positionResponse `json:"fixedBorrows"`
	AdjustedCollateral   string             `json:"adjustedCollateral"`
	AdjustedDebt         string             `json:"adjustedDebt"`
}

// operationRequest carries every mutating market call.
//
// Limit is the slippage bound: minimum assets for deposits and withdrawals
// at maturity, maximum assets for borrows and repays at maturity and
// maximum shares for floating borrows. An empty limit leaves the call
// unbounded. Shares replaces Assets for mint, redeem and refund.
type operationRequest struct {
	Assets   string `json:"assets,omitempty"`
	Shares   string `json:"shares,omitempty"`
	Limit    string `json:"limit,omitempty"`
	Receiver string `json:"receiver,omitempty"`
	Owner    string `json:"owner,omitempty"`
	Borrower string `json:"borrower,omitempty"`
}

type liquidateRequest struct {
	Borrower    string `json:"borrower"`
	MaxAssets   string `json:"maxAssets,omitempty"`
	SeizeMarket string `json:"seizeMarket,omitempty"`
}

type operationResponse struct {
	Market    string            `json:"market"`
	Operation string            `json:"operation"`
	Maturity  uint64            `json:"maturity,omitempty"`
	Assets    string            `json:"assets,omitempty"`
	Shares    string            `json:"shares,omitempty"`
	BadDebt   map[string]string `json:"badDebt,omitempty"`
}

type priceRequest struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

type mintRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// paramRequest updates one market parameter. Treasury accompanies
// treasury_fee_rate, Up/Down set the damp speeds and Model replaces the
// interest rate model.
type paramRequest struct {
	Field    string                      `json:"field"`
	Value    string                      `json:"value,omitempty"`
	Treasury string                      `json:"treasury,omitempty"`
	Up       string                      `json:"up,omitempty"`
	Down     string                      `json:"down,omitempty"`
	Model    *lending.InterestRateConfig `json:"model,omitempty"`
}

type eventsResponse struct {
	Events []eventResponse `json:"events"`
}

type eventResponse struct {
	ID         string            `json:"id"`
	Sequence   uint64            `json:"sequence"`
	Time       int64             `json:"time"`
	Market     string            `json:"market,omitempty"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func toParams(p lending.Params) paramsResponse {
	out := paramsResponse{
		MaxFuturePools:                  p.MaxFuturePools,
		EarningsAccumulatorSmoothFactor: fp.FormatWad(p.EarningsAccumulatorSmoothFactor),
		PenaltyRatePerSecond:            fp.FormatWad(p.PenaltyRate),
		BackupFeeRate:                   fp.FormatWad(p.BackupFeeRate),
		ReserveFactor:                   fp.FormatWad(p.ReserveFactor),
		DampSpeedUp:                     fp.FormatWad(p.DampSpeedUp),
		DampSpeedDown:                   fp.FormatWad(p.DampSpeedDown),
		TreasuryFeeRate:                 fp.FormatWad(p.TreasuryFeeRate),
	}
	if p.Treasury != (common.Address{}) {
		out.Treasury = p.Treasury.Hex()
	}
	return out
}

func toPool(p lending.PoolView) poolResponse {
	return poolResponse{
		Maturity:           p.Maturity,
		State:              p.State.String(),
		Borrowed:           p.Borrowed.Dec(),
		Supplied:           p.Supplied.Dec(),
		UnassignedEarnings: p.UnassignedEarnings.Dec(),
		BackupSupplied:     p.BackupSupplied.Dec(),
		LastAccrual:        p.LastAccrual,
	}
}

func toMarket(s lending.Summary, pools []lending.PoolView) marketResponse {
	out := marketResponse{
		Symbol:                    s.Symbol,
		Timestamp:                 s.Timestamp,
		TotalAssets:               s.TotalAssets.Dec(),
		TotalSupply:               s.TotalSupply.Dec(),
		FloatingAssets:            s.FloatingAssets.Dec(),
		FloatingDebt:              s.FloatingDebt.Dec(),
		FloatingBackupBorrowed:    s.FloatingBackupBorrowed.Dec(),
		TotalFloatingBorrowShares: s.TotalFloatingBorrowShares.Dec(),
		FloatingAssetsAverage:     s.FloatingAssetsAverage.Dec(),
		EarningsAccumulator:       s.EarningsAccumulator.Dec(),
		FloatingUtilization:       fp.FormatWad(s.FloatingUtilization),
		FloatingRate:              fp.FormatWad(s.FloatingRate),
		Params:                    toParams(s.Params),
		Pools:                     make([]poolResponse, 0, len(pools)),
	}
	for _, p := range pools {
		out.Pools = append(out.Pools, toPool(p))
	}
	return out
}

func toPositions(ps []lending.PositionView) []positionResponse {
	out := make([]positionResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, positionResponse{Maturity: p.Maturity, Principal: p.Principal.Dec(), Fee: p.Fee.Dec()})
	}
	return out
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: missing request body", errBadRequest)
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode request: %v", errBadRequest, err)
	}
	return nil
}

func parseAmount(field, value string) (uint256.Int, error) {
	v, err := fp.ParseAmount(value)
	if err != nil {
		return v, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return v, nil
}

// parseLimit returns fallback when value is empty.
func parseLimit(value string, fallback uint256.Int) (uint256.Int, error) {
	if strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	return parseAmount("limit", value)
}

func parseWad(field, value string) (uint256.Int, error) {
	v, err := fp.ParseWad(value)
	if err != nil {
		return v, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return v, nil
}

// parseAddress returns fallback when value is empty.
func parseAddress(field, value string, fallback common.Address) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback, nil
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %s: invalid address %q", errBadRequest, field, trimmed)
	}
	return common.HexToAddress(trimmed), nil
}

func parseUint(field, value string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}
