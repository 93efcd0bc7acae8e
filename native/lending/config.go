package lending

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	fp "termlend/native/lending/fixedpoint"
)

// Config captures the file form of a market's parameters. Rates are decimal
// strings ("0.0046"); empty fields keep the value from DefaultParams.
type Config struct {
	MaxFuturePools                  uint64             `toml:"MaxFuturePools"`
	EarningsAccumulatorSmoothFactor string             `toml:"EarningsAccumulatorSmoothFactor"`
	PenaltyRatePerDay               string             `toml:"PenaltyRatePerDay"`
	BackupFeeRate                   string             `toml:"BackupFeeRate"`
	ReserveFactor                   string             `toml:"ReserveFactor"`
	DampSpeedUp                     string             `toml:"DampSpeedUp"`
	DampSpeedDown                   string             `toml:"DampSpeedDown"`
	TreasuryFeeRate                 string             `toml:"TreasuryFeeRate"`
	Treasury                        string             `toml:"Treasury"`
	InterestRate                    InterestRateConfig `toml:"interest"`
}

// InterestRateConfig selects and parameterises the interest rate model.
// Model is "kinked" (default) or "constant"; FixedRate and FloatingRate only
// apply to the constant model.
type InterestRateConfig struct {
	Model        string `toml:"Model"`
	Base         string `toml:"Base"`
	Slope1       string `toml:"Slope1"`
	Slope2       string `toml:"Slope2"`
	Kink         string `toml:"Kink"`
	FixedRate    string `toml:"FixedRate"`
	FloatingRate string `toml:"FloatingRate"`
}

// Params resolves the configuration on top of DefaultParams.
func (c Config) Params() (Params, error) {
	p := DefaultParams()
	if c.MaxFuturePools != 0 {
		p.MaxFuturePools = c.MaxFuturePools
	}
	fields := []struct {
		name  string
		value string
		dst   *uint256.Int
	}{
		{"EarningsAccumulatorSmoothFactor", c.EarningsAccumulatorSmoothFactor, &p.EarningsAccumulatorSmoothFactor},
		{"BackupFeeRate", c.BackupFeeRate, &p.BackupFeeRate},
		{"ReserveFactor", c.ReserveFactor, &p.ReserveFactor},
		{"DampSpeedUp", c.DampSpeedUp, &p.DampSpeedUp},
		{"DampSpeedDown", c.DampSpeedDown, &p.DampSpeedDown},
		{"TreasuryFeeRate", c.TreasuryFeeRate, &p.TreasuryFeeRate},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			continue
		}
		v, err := fp.ParseWad(f.value)
		if err != nil {
			return Params{}, fmt.Errorf("lending config %s: %w", f.name, err)
		}
		*f.dst = v
	}
	if strings.TrimSpace(c.PenaltyRatePerDay) != "" {
		daily, err := fp.ParseWad(c.PenaltyRatePerDay)
		if err != nil {
			return Params{}, fmt.Errorf("lending config PenaltyRatePerDay: %w", err)
		}
		p.PenaltyRate = fp.Div(daily, fp.FromUint64(86_400))
	}
	if treasury := strings.TrimSpace(c.Treasury); treasury != "" {
		if !common.IsHexAddress(treasury) {
			return Params{}, fmt.Errorf("lending config Treasury: invalid address %q", treasury)
		}
		p.Treasury = common.HexToAddress(treasury)
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// RateModel builds the configured interest rate model.
func (c InterestRateConfig) RateModel() (InterestRateModel, error) {
	parse := func(name, value string, fallback uint256.Int) (uint256.Int, error) {
		if strings.TrimSpace(value) == "" {
			return fallback, nil
		}
		v, err := fp.ParseWad(value)
		if err != nil {
			return fp.Zero, fmt.Errorf("lending config interest.%s: %w", name, err)
		}
		return v, nil
	}
	switch strings.ToLower(strings.TrimSpace(c.Model)) {
	case "", "kinked":
		def := DefaultKinkedRateModel()
		base, err := parse("Base", c.Base, def.Base)
		if err != nil {
			return nil, err
		}
		slope1, err := parse("Slope1", c.Slope1, def.Slope1)
		if err != nil {
			return nil, err
		}
		slope2, err := parse("Slope2", c.Slope2, def.Slope2)
		if err != nil {
			return nil, err
		}
		kink, err := parse("Kink", c.Kink, def.Kink)
		if err != nil {
			return nil, err
		}
		return NewKinkedRateModel(base, slope1, slope2, kink)
	case "constant":
		fixed, err := parse("FixedRate", c.FixedRate, fp.Zero)
		if err != nil {
			return nil, err
		}
		floating, err := parse("FloatingRate", c.FloatingRate, fp.Zero)
		if err != nil {
			return nil, err
		}
		return ConstantRateModel{Fixed: fixed, Floating: floating}, nil
	default:
		return nil, fmt.Errorf("lending config interest.Model: unknown model %q", c.Model)
	}
}
