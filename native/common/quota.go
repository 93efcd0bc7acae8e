package common

import (
	"errors"
	"math"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an address.
type QuotaNow struct {
	ReqCount uint32
	EpochID  uint64
}

// Quota defines how many requests an address may make per epoch.
type Quota struct {
	MaxRequests  uint32
	EpochSeconds uint32
}

// Epoch returns the epoch number containing now.
func (q Quota) Epoch(now time.Time) uint64 {
	seconds := uint64(q.EpochSeconds)
	if seconds == 0 {
		seconds = 60
	}
	ts := now.Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts) / seconds
}

// CheckQuota verifies whether addReq additional requests fit within the
// quota. The returned QuotaNow reflects the updated counters when the quota
// is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequests > 0 && next.ReqCount > q.MaxRequests {
		return prev, ErrQuotaRequestsExceeded
	}
	return next, nil
}

// QuotaTracker applies one Quota to many addresses.
type QuotaTracker struct {
	quota Quota
	clock func() time.Time

	mu    sync.Mutex
	usage map[ethcommon.Address]QuotaNow
}

func NewQuotaTracker(q Quota, clock func() time.Time) *QuotaTracker {
	if clock == nil {
		clock = time.Now
	}
	return &QuotaTracker{quota: q, clock: clock, usage: make(map[ethcommon.Address]QuotaNow)}
}

// Allow records one request by addr or fails when its quota is spent.
func (t *QuotaTracker) Allow(addr ethcommon.Address) error {
	epoch := t.quota.Epoch(t.clock())
	t.mu.Lock()
	defer t.mu.Unlock()
	next, err := CheckQuota(t.quota, epoch, t.usage[addr], 1)
	if err != nil {
		return err
	}
	t.usage[addr] = next
	for a, u := range t.usage {
		if u.EpochID != epoch {
			delete(t.usage, a)
		}
	}
	return nil
}
