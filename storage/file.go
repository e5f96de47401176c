package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/pumpbot/types"
)

// FileStore keeps every position in one JSON object keyed by instrument.
//
// Each mutation builds the next record set, writes it to <path>.tmp, fsyncs,
// renames it over <path> and fsyncs the directory. Memory is only updated once
// the rename succeeded, so a failed write leaves both memory and disk on the
// previous state.
//
// Records that are valid JSON but fail Validate are quarantined: they are kept
// unchanged on every rewrite and every operation on that instrument fails
// with types.ErrPositionCorrupt until an operator fixes the file.
type FileStore struct {
	path string

	mu          sync.Mutex
	positions   map[types.Instrument]types.Position
	quarantined map[types.Instrument]json.RawMessage
	closed      bool

	write func(data []byte) error
	now   func() time.Time
}

// OpenFileStore loads path, creating the parent directory if needed.
// A missing file is an empty store. A file that is not a JSON object fails
// with types.ErrStoreCorrupt and is left untouched.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storageErr("create dir", err)
	}

	s := &FileStore{
		path:        path,
		positions:   make(map[types.Instrument]types.Position),
		quarantined: make(map[types.Instrument]json.RawMessage),
		now:         time.Now,
	}
	s.write = s.writeAtomic

	// A leftover temp file is an interrupted write that never became authoritative.
	if err := os.Remove(path + ".tmp"); err == nil {
		log.Warn().Str("path", path+".tmp").Msg("⚠️ Removed stale temp file from interrupted write")
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info().Str("path", path).Msg("💾 Position store initialized (new file)")
		return s, nil
	case err != nil:
		return nil, storageErr("read", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		log.Warn().Str("path", path).Msg("Position file is empty, starting with no positions")
		return s, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Error().Err(err).Str("path", path).Msg("🚨 Position file unreadable, operator intervention required")
		return nil, fmt.Errorf("%w: %s: %v", types.ErrStoreCorrupt, path, err)
	}

	for key, rec := range raw {
		inst := types.Instrument(key)
		var pos types.Position
		err := json.Unmarshal(rec, &pos)
		if err == nil {
			err = Validate(pos)
		}
		if err == nil && pos.Instrument != inst {
			err = fmt.Errorf("%w: key %s holds %s", types.ErrPositionCorrupt, key, pos.Instrument)
		}
		if err != nil {
			s.quarantined[inst] = rec
			log.Error().Err(err).Str("instrument", key).Msg("🚨 Quarantined corrupt position record")
			continue
		}
		s.positions[inst] = pos
	}

	log.Info().
		Str("path", path).
		Int("positions", len(s.positions)).
		Int("quarantined", len(s.quarantined)).
		Msg("💾 Position store loaded")
	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(_ context.Context, instrument types.Instrument) (*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(instrument); err != nil {
		return nil, err
	}
	pos, ok := s.positions[instrument]
	if !ok {
		return nil, nil
	}
	out := pos.Clone()
	return &out, nil
}

func (s *FileStore) Create(_ context.Context, pos types.Position) error {
	if err := Validate(pos); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(pos.Instrument); err != nil {
		return err
	}
	if existing, ok := s.positions[pos.Instrument]; ok {
		return fmt.Errorf("%w: %s is %s", types.ErrPositionExists, pos.Instrument.Short(), existing.Status)
	}

	pos.UpdatedAt = s.now()
	return s.commit(pos.Instrument, &pos)
}

func (s *FileStore) Upsert(_ context.Context, pos types.Position) error {
	if err := Validate(pos); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(pos.Instrument); err != nil {
		return err
	}
	if existing, ok := s.positions[pos.Instrument]; ok && !existing.EntryPrice.Equal(pos.EntryPrice) {
		return fmt.Errorf("%w: %s", types.ErrEntryPriceFixed, pos.Instrument.Short())
	}

	pos.UpdatedAt = s.now()
	return s.commit(pos.Instrument, &pos)
}

func (s *FileStore) TryAcquire(_ context.Context, instrument types.Instrument, from, to types.PositionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(instrument); err != nil {
		return false, err
	}
	pos, ok := s.positions[instrument]
	if !ok || pos.Status != from {
		return false, nil
	}

	pos = pos.Clone()
	pos.Status = to
	pos.UpdatedAt = s.now()
	if err := s.commit(instrument, &pos); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) Remove(_ context.Context, instrument types.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(instrument); err != nil {
		return err
	}
	if _, ok := s.positions[instrument]; !ok {
		return nil
	}
	return s.commit(instrument, nil)
}

func (s *FileStore) ListOpen(ctx context.Context) ([]types.Position, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	open := all[:0]
	for _, p := range all {
		if p.Status == types.StatusOpen {
			open = append(open, p)
		}
	}
	return open, nil
}

// List returns every valid record sorted by entry time. Quarantined records
// are reported in the log, never returned.
func (s *FileStore) List(_ context.Context) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storageErr("list", errStoreClosed)
	}
	for inst := range s.quarantined {
		log.Error().Str("instrument", inst.String()).Msg("Skipping quarantined position record")
	}

	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EntryTimestamp.Before(out[j].EntryTimestamp)
	})
	return out, nil
}

// Close marks the store closed. Writes are synchronous so there is nothing
// left to flush.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	log.Info().Str("path", s.path).Int("positions", len(s.positions)).Msg("💾 Position store closed")
	return nil
}

var errStoreClosed = errors.New("store closed")

func (s *FileStore) check(instrument types.Instrument) error {
	if s.closed {
		return storageErr("access", errStoreClosed)
	}
	if _, bad := s.quarantined[instrument]; bad {
		return fmt.Errorf("%w: %s is quarantined", types.ErrPositionCorrupt, instrument.Short())
	}
	return nil
}

// commit persists the record set with instrument set to pos (nil deletes) and
// swaps it into memory only after the write is durable.
func (s *FileStore) commit(instrument types.Instrument, pos *types.Position) error {
	next := make(map[types.Instrument]types.Position, len(s.positions)+1)
	for k, v := range s.positions {
		next[k] = v
	}
	if pos == nil {
		delete(next, instrument)
	} else {
		next[instrument] = *pos
	}

	doc := make(map[string]json.RawMessage, len(next)+len(s.quarantined))
	for k, raw := range s.quarantined {
		doc[k.String()] = raw
	}
	for k, v := range next {
		rec, err := json.Marshal(v)
		if err != nil {
			return storageErr("encode", err)
		}
		doc[k.String()] = rec
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return storageErr("encode", err)
	}

	if err := s.write(data); err != nil {
		log.Error().Err(err).Str("path", s.path).Str("instrument", instrument.String()).Msg("❌ Position write failed")
		return storageErr("write", err)
	}

	s.positions = next
	return nil
}

func (s *FileStore) writeAtomic(data []byte) error {
	tmp := s.path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}

	// The rename already replaced the file, so memory must follow even if the
	// directory entry cannot be synced.
	dir, err := os.Open(filepath.Dir(s.path))
	if err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Directory sync skipped")
		return nil
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Directory sync failed")
	}
	return nil
}
