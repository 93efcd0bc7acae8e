package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"

	"termlend/native/lending"
	"termlend/native/lending/auditor"
	fp "termlend/native/lending/fixedpoint"
)

// MarketsFile is the TOML document listing the markets lendingd serves.
//
//	[auditor]
//	LiquidatorIncentive = "0.09"
//
//	[[market]]
//	Symbol = "WETH"
//	Decimals = 18
//	Price = "2500"
//	AdjustFactor = "0.8"
//	[market.params]
//	ReserveFactor = "0.1"
type MarketsFile struct {
	Auditor AuditorFile  `toml:"auditor"`
	Markets []MarketFile `toml:"market"`
}

type AuditorFile struct {
	LiquidatorIncentive string `toml:"LiquidatorIncentive"`
	LendersIncentive    string `toml:"LendersIncentive"`
	TargetHealth        string `toml:"TargetHealth"`
}

type MarketFile struct {
	Symbol       string         `toml:"Symbol"`
	Decimals     uint8          `toml:"Decimals"`
	Price        string         `toml:"Price"`
	AdjustFactor string         `toml:"AdjustFactor"`
	Params       lending.Config `toml:"params"`
}

// Market is a MarketFile entry with every value parsed.
type Market struct {
	Symbol       string
	Decimals     uint8
	Price        uint256.Int
	AdjustFactor uint256.Int
	Params       lending.Params
	RateModel    lending.InterestRateModel
}

// Markets is the resolved markets file.
type Markets struct {
	Incentive    auditor.LiquidationIncentive
	TargetHealth uint256.Int
	Markets      []Market
}

// LoadMarkets decodes and resolves the markets file at path.
func LoadMarkets(path string) (Markets, error) {
	var file MarketsFile
	meta, err := toml.DecodeFile(path, &file)
	if err != nil {
		return Markets{}, fmt.Errorf("decode markets: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Markets{}, fmt.Errorf("decode markets: unknown key %s", undecoded[0])
	}
	return file.Resolve()
}

// Resolve parses every decimal and builds the rate models.
func (f MarketsFile) Resolve() (Markets, error) {
	out := Markets{Incentive: auditor.DefaultIncentive(), TargetHealth: auditor.DefaultTargetHealth}
	if err := parseOptional("auditor.LiquidatorIncentive", f.Auditor.LiquidatorIncentive, &out.Incentive.Liquidator); err != nil {
		return Markets{}, err
	}
	if err := parseOptional("auditor.LendersIncentive", f.Auditor.LendersIncentive, &out.Incentive.Lenders); err != nil {
		return Markets{}, err
	}
	if err := parseOptional("auditor.TargetHealth", f.Auditor.TargetHealth, &out.TargetHealth); err != nil {
		return Markets{}, err
	}
	if len(f.Markets) == 0 {
		return Markets{}, fmt.Errorf("markets: at least one [[market]] is required")
	}
	seen := make(map[string]struct{}, len(f.Markets))
	for i, mf := range f.Markets {
		m, err := mf.resolve()
		if err != nil {
			return Markets{}, fmt.Errorf("market[%d]: %w", i, err)
		}
		if _, dup := seen[m.Symbol]; dup {
			return Markets{}, fmt.Errorf("market[%d]: duplicate symbol %s", i, m.Symbol)
		}
		seen[m.Symbol] = struct{}{}
		out.Markets = append(out.Markets, m)
	}
	return out, nil
}

func (mf MarketFile) resolve() (Market, error) {
	m := Market{
		Symbol:   strings.ToUpper(strings.TrimSpace(mf.Symbol)),
		Decimals: mf.Decimals,
	}
	if m.Symbol == "" {
		return Market{}, fmt.Errorf("symbol required")
	}
	if m.Decimals == 0 {
		m.Decimals = 18
	}
	if m.Decimals > 36 {
		return Market{}, fmt.Errorf("%s: decimals must not exceed 36", m.Symbol)
	}
	var err error
	if m.Price, err = fp.ParseWad(mf.Price); err != nil {
		return Market{}, fmt.Errorf("%s Price: %w", m.Symbol, err)
	}
	if m.AdjustFactor, err = fp.ParseWad(mf.AdjustFactor); err != nil {
		return Market{}, fmt.Errorf("%s AdjustFactor: %w", m.Symbol, err)
	}
	if m.Params, err = mf.Params.Params(); err != nil {
		return Market{}, fmt.Errorf("%s: %w", m.Symbol, err)
	}
	if m.RateModel, err = mf.Params.InterestRate.RateModel(); err != nil {
		return Market{}, fmt.Errorf("%s: %w", m.Symbol, err)
	}
	return m, nil
}

func parseOptional(name, value string, dst *uint256.Int) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	v, err := fp.ParseWad(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = v
	return nil
}

// Symbols lists the configured market symbols in file order.
func (m Markets) Symbols() []string {
	out := make([]string, 0, len(m.Markets))
	for _, market := range m.Markets {
		out = append(out, market.Symbol)
	}
	return out
}
