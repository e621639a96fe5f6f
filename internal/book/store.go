// Package book maintains per-instrument two-sided orderbook state rebuilt
// from snapshot and delta events, and materializes the bounded top-of-book
// view handed to subscribers.
package book

import (
	"sort"
	"sync"
	"time"

	"depthflow/models"
)

// DefaultDepth caps the number of sorted levels per side exposed to
// consumers. Internal state may track more.
const DefaultDepth = 200

type sideState map[float64]models.BookLevel

type bookState struct {
	bids     sideState
	asks     sideState
	lastTime time.Time
}

// Store owns orderbook state per instrument. State is created lazily on the
// first event and dropped explicitly when the last subscriber leaves; nothing
// survives a process restart, a fresh snapshot rebuilds everything.
type Store struct {
	mu    sync.RWMutex
	depth int
	books map[models.InstrumentKey]*bookState
}

// NewStore creates an empty store exposing at most depth levels per side.
// depth <= 0 selects DefaultDepth.
func NewStore(depth int) *Store {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Store{
		depth: depth,
		books: make(map[models.InstrumentKey]*bookState),
	}
}

// ApplySnapshot unconditionally replaces both sides for the instrument.
// Snapshots are authoritative regardless of arrival order relative to deltas.
// The returned flag is false when the merge left both sides empty, in which
// case no update should be emitted downstream.
func (s *Store) ApplySnapshot(snap *models.BookSnapshot) (models.MaterializedBook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &bookState{
		bids:     make(sideState, len(snap.Bids)),
		asks:     make(sideState, len(snap.Asks)),
		lastTime: snap.Timestamp,
	}
	for _, lvl := range snap.Bids {
		if lvl.Size > 0 {
			st.bids[lvl.Price] = lvl
		}
	}
	for _, lvl := range snap.Asks {
		if lvl.Size > 0 {
			st.asks[lvl.Price] = lvl
		}
	}
	s.books[snap.Instrument] = st

	return s.materialize(snap.Instrument, st)
}

// ApplyDelta applies incremental level changes: size zero removes the price,
// positive size upserts it. Deltas against an instrument with no prior state
// start from an empty book.
func (s *Store) ApplyDelta(delta *models.BookDelta) (models.MaterializedBook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.books[delta.Instrument]
	if !ok {
		st = &bookState{bids: make(sideState), asks: make(sideState)}
		s.books[delta.Instrument] = st
	}
	applySide(st.bids, delta.Bids)
	applySide(st.asks, delta.Asks)
	if delta.Timestamp.After(st.lastTime) {
		st.lastTime = delta.Timestamp
	}

	return s.materialize(delta.Instrument, st)
}

func applySide(side sideState, changes []models.BookLevel) {
	for _, lvl := range changes {
		if lvl.Size <= 0 {
			delete(side, lvl.Price)
			continue
		}
		side[lvl.Price] = lvl
	}
}

// Materialized returns the current derived view without mutating state.
func (s *Store) Materialized(key models.InstrumentKey) (models.MaterializedBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.books[key]
	if !ok {
		return models.MaterializedBook{}, false
	}
	return s.materialize(key, st)
}

// Drop clears all state for the instrument.
func (s *Store) Drop(key models.InstrumentKey) {
	s.mu.Lock()
	delete(s.books, key)
	s.mu.Unlock()
}

func (s *Store) materialize(key models.InstrumentKey, st *bookState) (models.MaterializedBook, bool) {
	if len(st.bids) == 0 && len(st.asks) == 0 {
		return models.MaterializedBook{}, false
	}

	bids := sortedLevels(st.bids, s.depth, true)
	asks := sortedLevels(st.asks, s.depth, false)

	mb := models.MaterializedBook{
		Instrument: key,
		Bids:       bids,
		Asks:       asks,
		Timestamp:  st.lastTime,
	}

	switch {
	case len(bids) > 0 && len(asks) > 0:
		mb.BestBid = bids[0].Price
		mb.BestAsk = asks[0].Price
		mb.MidPrice = (mb.BestBid + mb.BestAsk) / 2
		mb.Spread = mb.BestAsk - mb.BestBid
	case len(bids) > 0:
		mb.BestBid = bids[0].Price
		mb.MidPrice = mb.BestBid
	default:
		mb.BestAsk = asks[0].Price
		mb.MidPrice = mb.BestAsk
	}
	if mb.MidPrice > 0 {
		mb.SpreadPercent = mb.Spread / mb.MidPrice * 100
	}
	return mb, true
}

func sortedLevels(side sideState, depth int, desc bool) []models.BookLevel {
	levels := make([]models.BookLevel, 0, len(side))
	for _, lvl := range side {
		levels = append(levels, lvl)
	}
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	if len(levels) > depth {
		levels = levels[:depth]
	}
	return levels
}
