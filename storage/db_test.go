package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func openBackends(t *testing.T) map[string]Database {
	t.Helper()
	dir := t.TempDir()
	level, err := NewLevelDB(filepath.Join(dir, "level"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	bolt, err := NewBoltDB(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	dbs := map[string]Database{"memory": NewMemDB(), "leveldb": level, "bolt": bolt}
	t.Cleanup(func() {
		for _, db := range dbs {
			db.Close()
		}
	})
	return dbs
}

func TestDatabaseBackends(t *testing.T) {
	for name, db := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			for _, k := range []string{"market/WETH", "market/DAI", "ledger/DAI"} {
				if err := db.Put([]byte(k), []byte("v:"+k)); err != nil {
					t.Fatalf("put %s: %v", k, err)
				}
			}
			got, err := db.Get([]byte("market/DAI"))
			if err != nil || !bytes.Equal(got, []byte("v:market/DAI")) {
				t.Fatalf("get: %q %v", got, err)
			}
			keys, err := db.Keys([]byte("market/"))
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			if len(keys) != 2 || string(keys[0]) != "market/DAI" || string(keys[1]) != "market/WETH" {
				t.Fatalf("unexpected keys %q", keys)
			}
			if err := db.Delete([]byte("market/DAI")); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := db.Get([]byte("market/DAI")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected deleted key to be gone, got %v", err)
			}
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("redis", ""); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	db, err := Open("memory", "")
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	db.Close()
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	value := []byte("abc")
	if err := db.Put([]byte("k"), value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[0] = 'z'
	got, _ := db.Get([]byte("k"))
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller slice: %q", got)
	}
}
