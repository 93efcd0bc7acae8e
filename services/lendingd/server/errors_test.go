package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"termlend/native/bank"
	nativecommon "termlend/native/common"
	"termlend/native/lending"
	fp "termlend/native/lending/fixedpoint"
	"termlend/services/lendingd/runtime"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("%w: decode", errBadRequest), http.StatusBadRequest},
		{lending.ErrZeroAmount, http.StatusBadRequest},
		{lending.ErrSelfLiquidation, http.StatusBadRequest},
		{lending.ErrMaturityMatured, http.StatusBadRequest},
		{fmt.Errorf("usdc: %w", runtime.ErrUnknownMarket), http.StatusNotFound},
		{lending.ErrMarketNotListed, http.StatusNotFound},
		{runtime.ErrUnauthorized, http.StatusForbidden},
		{lending.ErrUnauthorized, http.StatusForbidden},
		{nativecommon.ErrReentrantCall, http.StatusConflict},
		{nativecommon.ErrQuotaRequestsExceeded, http.StatusTooManyRequests},
		{fmt.Errorf("lending: %w", nativecommon.ErrModulePaused), http.StatusServiceUnavailable},
		{lending.ErrInsufficientAccountLiquidity, http.StatusUnprocessableEntity},
		{lending.ErrUtilizationExceeded, http.StatusUnprocessableEntity},
		{&fp.ArithmeticError{Op: "sub"}, http.StatusUnprocessableEntity},
		{bank.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), "%v", tc.err)
	}
}

func TestWriteErrorHidesInternalMessages(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errors.New("disk on fire"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "internal error", body["error"])

	rec = httptest.NewRecorder()
	writeError(rec, lending.ErrZeroAmount)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, lending.ErrZeroAmount.Error(), body["error"])
}
