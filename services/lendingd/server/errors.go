package server

import (
	"errors"
	"net/http"

	"termlend/native/bank"
	nativecommon "termlend/native/common"
	"termlend/native/lending"
	"termlend/native/lending/auditor"
	"termlend/services/lendingd/runtime"
)

// statusFor maps engine and runtime failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errBadRequest),
		errors.Is(err, lending.ErrZeroAmount),
		errors.Is(err, lending.ErrZeroRepay),
		errors.Is(err, lending.ErrZeroWithdraw),
		errors.Is(err, lending.ErrSelfLiquidation),
		errors.Is(err, lending.ErrInvalidMaturity),
		errors.Is(err, lending.ErrMaturityMatured),
		errors.Is(err, lending.ErrMaturityNotReady),
		errors.Is(err, bank.ErrZeroAmount),
		errors.Is(err, auditor.ErrInvalidAdjustFactor),
		errors.Is(err, auditor.ErrInvalidIncentive):
		return http.StatusBadRequest
	case errors.Is(err, runtime.ErrUnknownMarket),
		errors.Is(err, lending.ErrMarketNotListed):
		return http.StatusNotFound
	case errors.Is(err, runtime.ErrUnauthorized),
		errors.Is(err, lending.ErrUnauthorized),
		errors.Is(err, lending.ErrInsufficientAllowance):
		return http.StatusForbidden
	case errors.Is(err, nativecommon.ErrReentrantCall):
		return http.StatusConflict
	case errors.Is(err, nativecommon.ErrQuotaRequestsExceeded),
		errors.Is(err, nativecommon.ErrQuotaCounterOverflow):
		return http.StatusTooManyRequests
	case errors.Is(err, nativecommon.ErrModulePaused),
		errors.Is(err, auditor.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, lending.ErrInsufficientProtocolLiquidity),
		errors.Is(err, lending.ErrInsufficientAccountLiquidity),
		errors.Is(err, lending.ErrInsufficientShares),
		errors.Is(err, lending.ErrInsufficientShortfall),
		errors.Is(err, lending.ErrAccountHasCollateral),
		errors.Is(err, lending.ErrDisagreement),
		errors.Is(err, lending.ErrUtilizationExceeded),
		errors.Is(err, lending.ErrArithmetic),
		errors.Is(err, bank.ErrInsufficientBalance),
		errors.Is(err, bank.ErrInsufficientCustody):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as a JSON error. Internal failures do not leak
// their message.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		writeJSONError(w, status, "internal error")
		return
	}
	writeJSONError(w, status, err.Error())
}
