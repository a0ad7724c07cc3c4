package service

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"

	"github.com/devildev/api/internal/model"
)

// PositionWriter persists positions guarded by a sequence number
type PositionWriter interface {
	UpdatePositions(ctx context.Context, versionID string, positions model.ComponentPositions, seq int64) (bool, error)
}

type positionEntry struct {
	debounced func(func())
	gen       uint64
}

// PositionDebouncer coalesces bursts of position updates per version. Each
// update is stamped when received; the store only applies newer stamps.
type PositionDebouncer struct {
	writer PositionWriter
	after  time.Duration

	mu      sync.Mutex
	entries map[string]*positionEntry
	lastSeq atomic.Int64
}

func NewPositionDebouncer(writer PositionWriter, after time.Duration) *PositionDebouncer {
	if after <= 0 {
		after = 800 * time.Millisecond
	}
	return &PositionDebouncer{
		writer:  writer,
		after:   after,
		entries: make(map[string]*positionEntry),
	}
}

// nextSeq is a UnixNano stamp that never repeats or goes backwards
func (d *PositionDebouncer) nextSeq() int64 {
	for {
		last := d.lastSeq.Load()
		seq := time.Now().UnixNano()
		if seq <= last {
			seq = last + 1
		}
		if d.lastSeq.CompareAndSwap(last, seq) {
			return seq
		}
	}
}

// Submit schedules a write and returns its sequence stamp
func (d *PositionDebouncer) Submit(versionID string, positions model.ComponentPositions) int64 {
	seq := d.nextSeq()

	d.mu.Lock()
	e, ok := d.entries[versionID]
	if !ok {
		e = &positionEntry{debounced: debounce.New(d.after)}
		d.entries[versionID] = e
	}
	e.gen++
	gen := e.gen
	d.mu.Unlock()

	e.debounced(func() {
		d.flush(versionID, positions, seq)
		d.mu.Lock()
		if cur, ok := d.entries[versionID]; ok && cur == e && cur.gen == gen {
			delete(d.entries, versionID)
		}
		d.mu.Unlock()
	})
	return seq
}

func (d *PositionDebouncer) flush(versionID string, positions model.ComponentPositions, seq int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	applied, err := d.writer.UpdatePositions(ctx, versionID, positions, seq)
	if err != nil {
		log.Printf("positions %s: write failed: %v", versionID, err)
		return
	}
	if !applied {
		log.Printf("positions %s: stale write %d ignored", versionID, seq)
	}
}

// Pending is the number of scheduled writes that have not run yet
func (d *PositionDebouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
