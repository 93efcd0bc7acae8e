package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

const checkpointVersion uint64 = 1

var (
	checkpointKey = []byte("checkpoint")
	marketPrefix  = "market/"
	ledgerPrefix  = "ledger/"
)

// Snapshotter is implemented by lending markets and asset ledgers.
type Snapshotter interface {
	Symbol() string
	Export() ([]byte, error)
	Import(data []byte) error
}

// Checkpoint describes the last complete set of snapshots written.
type Checkpoint struct {
	Version uint64
	Time    uint64
	Markets []string
	Ledgers []string
}

// At returns the checkpoint time.
func (c Checkpoint) At() time.Time { return time.Unix(int64(c.Time), 0).UTC() }

// MarketStore persists market and ledger snapshots in a Database. The
// checkpoint record is written after every snapshot it names.
type MarketStore struct {
	db Database
}

func NewMarketStore(db Database) *MarketStore {
	return &MarketStore{db: db}
}

// Save writes every market and ledger snapshot followed by the checkpoint
// record.
func (s *MarketStore) Save(at time.Time, markets, ledgers []Snapshotter) (Checkpoint, error) {
	cp := Checkpoint{Version: checkpointVersion, Time: uint64(at.Unix())}
	for _, m := range markets {
		if err := s.put(marketPrefix, m); err != nil {
			return Checkpoint{}, err
		}
		cp.Markets = append(cp.Markets, m.Symbol())
	}
	for _, l := range ledgers {
		if err := s.put(ledgerPrefix, l); err != nil {
			return Checkpoint{}, err
		}
		cp.Ledgers = append(cp.Ledgers, l.Symbol())
	}
	raw, err := rlp.EncodeToBytes(cp)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("storage: encode checkpoint: %w", err)
	}
	if err := s.db.Put(checkpointKey, raw); err != nil {
		return Checkpoint{}, fmt.Errorf("storage: write checkpoint: %w", err)
	}
	return cp, nil
}

func (s *MarketStore) put(prefix string, item Snapshotter) error {
	data, err := item.Export()
	if err != nil {
		return fmt.Errorf("storage: export %s%s: %w", prefix, item.Symbol(), err)
	}
	if err := s.db.Put([]byte(prefix+item.Symbol()), data); err != nil {
		return fmt.Errorf("storage: write %s%s: %w", prefix, item.Symbol(), err)
	}
	return nil
}

// LastCheckpoint returns ErrNotFound when nothing was saved yet.
func (s *MarketStore) LastCheckpoint() (Checkpoint, error) {
	raw, err := s.db.Get(checkpointKey)
	if err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	if err := rlp.DecodeBytes(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("storage: decode checkpoint: %w", err)
	}
	if cp.Version != checkpointVersion {
		return Checkpoint{}, fmt.Errorf("storage: unsupported checkpoint version %d", cp.Version)
	}
	return cp, nil
}

// Restore imports the last checkpoint into the supplied markets and ledgers.
// Items the checkpoint does not mention keep their current state. The
// boolean is false when no checkpoint exists.
func (s *MarketStore) Restore(markets, ledgers []Snapshotter) (Checkpoint, bool, error) {
	cp, err := s.LastCheckpoint()
	if errors.Is(err, ErrNotFound) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	if err := s.load(marketPrefix, cp.Markets, markets); err != nil {
		return cp, false, err
	}
	if err := s.load(ledgerPrefix, cp.Ledgers, ledgers); err != nil {
		return cp, false, err
	}
	return cp, true, nil
}

func (s *MarketStore) load(prefix string, saved []string, items []Snapshotter) error {
	known := make(map[string]struct{}, len(saved))
	for _, sym := range saved {
		known[sym] = struct{}{}
	}
	for _, item := range items {
		if _, ok := known[item.Symbol()]; !ok {
			continue
		}
		data, err := s.db.Get([]byte(prefix + item.Symbol()))
		if err != nil {
			return fmt.Errorf("storage: read %s%s: %w", prefix, item.Symbol(), err)
		}
		if err := item.Import(data); err != nil {
			return fmt.Errorf("storage: import %s%s: %w", prefix, item.Symbol(), err)
		}
	}
	return nil
}

// Symbols lists the market snapshots present in the database.
func (s *MarketStore) Symbols() ([]string, error) {
	keys, err := s.db.Keys([]byte(marketPrefix))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, string(k[len(marketPrefix):]))
	}
	return out, nil
}
