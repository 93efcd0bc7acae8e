package lending

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"termlend/core/events"
	nativecommon "termlend/native/common"
	fp "termlend/native/lending/fixedpoint"
)

// admin applies a parameter change after accruing everything under the old
// parameters.
func (m *Market) admin(caller common.Address, field string, apply func(p *Params) (string, error)) error {
	return m.execute("set"+field, false, func(tx *txn) error {
		if m.access == nil || !m.access.HasRole(nativecommon.RoleAdmin, caller) {
			return ErrUnauthorized
		}
		tx.accrue()
		tx.updateAverage()
		next := m.params
		value, err := apply(&next)
		if err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return err
		}
		m.params = next
		tx.emit(events.LendingParamsUpdated{Market: m.symbol, Caller: caller, Field: field, Value: value})
		return nil
	})
}

func (m *Market) SetInterestRateModel(caller common.Address, irm InterestRateModel) error {
	if irm == nil {
		return fmt.Errorf("lending: interest rate model: %w", ErrNotConfigured)
	}
	previous := m.irm
	err := m.admin(caller, "InterestRateModel", func(*Params) (string, error) {
		m.irm = irm
		return fmt.Sprintf("%T", irm), nil
	})
	if err != nil {
		m.irm = previous
	}
	return err
}

func (m *Market) SetTreasury(caller, treasury common.Address, feeRate uint256.Int) error {
	return m.admin(caller, "Treasury", func(p *Params) (string, error) {
		p.Treasury = treasury
		p.TreasuryFeeRate = feeRate
		return treasury.Hex() + "@" + fp.FormatWad(feeRate), nil
	})
}

func (m *Market) SetBackupFeeRate(caller common.Address, rate uint256.Int) error {
	return m.admin(caller, "BackupFeeRate", func(p *Params) (string, error) {
		p.BackupFeeRate = rate
		return fp.FormatWad(rate), nil
	})
}

func (m *Market) SetReserveFactor(caller common.Address, factor uint256.Int) error {
	return m.admin(caller, "ReserveFactor", func(p *Params) (string, error) {
		p.ReserveFactor = factor
		return fp.FormatWad(factor), nil
	})
}

func (m *Market) SetPenaltyRate(caller common.Address, rate uint256.Int) error {
	return m.admin(caller, "PenaltyRate", func(p *Params) (string, error) {
		p.PenaltyRate = rate
		return fp.FormatWad(rate), nil
	})
}

func (m *Market) SetDampSpeed(caller common.Address, up, down uint256.Int) error {
	return m.admin(caller, "DampSpeed", func(p *Params) (string, error) {
		p.DampSpeedUp = up
		p.DampSpeedDown = down
		return fp.FormatWad(up) + "/" + fp.FormatWad(down), nil
	})
}

func (m *Market) SetEarningsAccumulatorSmoothFactor(caller common.Address, factor uint256.Int) error {
	return m.admin(caller, "EarningsAccumulatorSmoothFactor", func(p *Params) (string, error) {
		p.EarningsAccumulatorSmoothFactor = factor
		return fp.FormatWad(factor), nil
	})
}

func (m *Market) SetMaxFuturePools(caller common.Address, pools uint64) error {
	return m.admin(caller, "MaxFuturePools", func(p *Params) (string, error) {
		p.MaxFuturePools = pools
		return strconv.FormatUint(pools, 10), nil
	})
}
