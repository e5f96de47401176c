package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/pumpbot/types"
)

func openPosition(inst string) types.Position {
	return types.Position{
		Instrument:     types.Instrument(inst),
		EntryPrice:     decimal.RequireFromString("0.000012"),
		EntryTimestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		EntryTxRef:     "sig-" + inst,
		Status:         types.StatusOpen,
		Amount:         decimal.NewFromInt(833_333_333),
		Cost:           decimal.NewFromInt(10_000_000),
	}
}

func TestFileStoreCrashResume(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "positions.json")

	s, err := OpenFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, openPosition("MintA")))
	require.NoError(t, s.Create(ctx, openPosition("MintB")))
	ok, err := s.TryAcquire(ctx, "MintB", types.StatusOpen, types.StatusClosing)
	require.NoError(t, err)
	require.True(t, ok)

	// No Close: simulate the process dying right after the last write.
	reopened, err := OpenFileStore(path)
	require.NoError(t, err)

	all, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	a, err := reopened.Get(ctx, "MintA")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, types.StatusOpen, a.Status)
	assert.True(t, a.EntryPrice.Equal(decimal.RequireFromString("0.000012")))
	assert.Equal(t, "sig-MintA", a.EntryTxRef)

	b, err := reopened.Get(ctx, "MintB")
	require.NoError(t, err)
	assert.Equal(t, types.StatusClosing, b.Status)

	open, err := reopened.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, types.Instrument("MintA"), open[0].Instrument)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreCreateRefusesExisting(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "positions.json"))
	require.NoError(t, err)

	require.NoError(t, s.Create(ctx, openPosition("MintA")))
	err = s.Create(ctx, openPosition("MintA"))
	assert.ErrorIs(t, err, types.ErrPositionExists)
}

func TestFileStoreConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "positions.json"))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Create(ctx, openPosition("MintA")) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestFileStoreTryAcquireExclusive(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "positions.json"))
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, openPosition("MintA")))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryAcquire(ctx, "MintA", types.StatusOpen, types.StatusClosing)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())

	ok, err := s.TryAcquire(ctx, "Unknown", types.StatusOpen, types.StatusClosing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreEntryPriceImmutable(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "positions.json"))
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, openPosition("MintA")))

	pos := openPosition("MintA")
	pos.EntryPrice = decimal.RequireFromString("0.5")
	assert.ErrorIs(t, s.Upsert(ctx, pos), types.ErrEntryPriceFixed)
}

func TestFileStoreWriteFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "positions.json")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, openPosition("MintA")))

	s.write = func([]byte) error { return errors.New("disk full") }

	ok, err := s.TryAcquire(ctx, "MintA", types.StatusOpen, types.StatusClosing)
	assert.False(t, ok)
	assert.ErrorIs(t, err, types.ErrStorageFailure)

	err = s.Create(ctx, openPosition("MintB"))
	assert.ErrorIs(t, err, types.ErrStorageFailure)

	a, err := s.Get(ctx, "MintA")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOpen, a.Status)
	b, err := s.Get(ctx, "MintB")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	garbage := []byte(`{"MintA": {"instrument": "MintA"`)
	require.NoError(t, os.WriteFile(path, garbage, 0o600))

	_, err := OpenFileStore(path)
	require.ErrorIs(t, err, types.ErrStoreCorrupt)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, garbage, data, "corrupt file must be left untouched")
}

func TestFileStoreQuarantinesBadRecord(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "positions.json")
	doc := `{
  "MintBad": {"instrument": "MintBad", "status": "WEIRD", "entry_price": "0"},
  "MintA": {"instrument": "MintA", "entry_price": "0.000012", "entry_timestamp": "2026-01-02T03:04:05Z", "entry_tx_ref": "sig", "status": "OPEN", "amount": "10", "cost": "5"}
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	s, err := OpenFileStore(path)
	require.NoError(t, err)

	_, err = s.Get(ctx, "MintBad")
	assert.ErrorIs(t, err, types.ErrPositionCorrupt)
	assert.ErrorIs(t, s.Create(ctx, openPosition("MintBad")), types.ErrPositionCorrupt)

	open, err := s.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, types.Instrument("MintA"), open[0].Instrument)

	// A rewrite keeps the quarantined record for the operator.
	require.NoError(t, s.Remove(ctx, "MintA"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "MintBad")
	assert.NotContains(t, string(data), `"MintA"`)
}

func TestFileStoreRemoveAndClose(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "nested", "positions.json"))
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, openPosition("MintA")))
	require.NoError(t, s.Remove(ctx, "MintA"))
	require.NoError(t, s.Remove(ctx, "MintA"))

	got, err := s.Get(ctx, "MintA")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Close())
	_, err = s.Get(ctx, "MintA")
	assert.ErrorIs(t, err, types.ErrStorageFailure)
}
