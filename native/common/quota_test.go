package common

import (
	"errors"
	"math"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

func TestCheckQuotaRequestLimit(t *testing.T) {
	q := Quota{MaxRequests: 10}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.ReqCount != 10 {
		t.Fatalf("unexpected request count: %d", next.ReqCount)
	}

	denied, err := CheckQuota(q, 1, next, 1)
	if !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, next, 1)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.EpochID != 2 || rollover.ReqCount != 1 {
		t.Fatalf("unexpected rollover counters: %+v", rollover)
	}
}

func TestCheckQuotaOverflow(t *testing.T) {
	prev := QuotaNow{ReqCount: math.MaxUint32, EpochID: 3}
	if _, err := CheckQuota(Quota{}, 3, prev, 1); !errors.Is(err, ErrQuotaCounterOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestQuotaTracker(t *testing.T) {
	now := time.Unix(600, 0)
	tracker := NewQuotaTracker(Quota{MaxRequests: 2, EpochSeconds: 60}, func() time.Time { return now })
	alice := ethcommon.HexToAddress("0xa1")
	bob := ethcommon.HexToAddress("0xb0")

	for i := 0; i < 2; i++ {
		if err := tracker.Allow(alice); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := tracker.Allow(alice); !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	if err := tracker.Allow(bob); err != nil {
		t.Fatalf("quotas are per address: %v", err)
	}
	now = now.Add(time.Minute)
	if err := tracker.Allow(alice); err != nil {
		t.Fatalf("quota should reset in the next epoch: %v", err)
	}
}
