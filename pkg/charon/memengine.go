// In-Memory Raw Engine for Charon
//
// A RawEngine implementation backed by ordered in-memory trees, one per
// column family. It powers the test suite and the demo daemon; it is not
// a production engine. The engine doubles as the RegionResolver for the
// regions registered on it, and enforces region bounds the way a real
// engine does: violations are reported as *RequestError.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package charon

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

const memTreeDegree = 16

type kvItem struct {
	key   Key
	value Value
}

func kvItemLess(a, b kvItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// MemoryEngineStats holds operation counters for monitoring and tests.
type MemoryEngineStats struct {
	Reads   int64
	Writes  int64
	Deletes int64
}

// MemoryEngine is an in-memory RawEngine with a region table. Thread-safe.
type MemoryEngine struct {
	mu      sync.RWMutex
	trees   map[string]*btree.BTreeG[kvItem]
	regions map[uint64]Region
	closed  bool

	reads   atomic.Int64
	writes  atomic.Int64
	deletes atomic.Int64
}

// NewMemoryEngine creates an empty in-memory engine with no regions.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		trees:   make(map[string]*btree.BTreeG[kvItem]),
		regions: make(map[uint64]Region),
	}
}

// AddRegion registers a region this engine serves. Replaces any region
// with the same id.
func (e *MemoryEngine) AddRegion(region Region) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.regions[region.ID] = region.Clone()
}

// ResolveRegion implements RegionResolver for the regions registered on
// this engine.
func (e *MemoryEngine) ResolveRegion(reqCtx RequestContext) (Region, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	region, ok := e.regions[reqCtx.RegionID]
	if !ok {
		return Region{}, fmt.Errorf("region %d: %w", reqCtx.RegionID, ErrRegionNotFound)
	}
	return region.Clone(), nil
}

// Stats returns a snapshot of the engine's operation counters.
func (e *MemoryEngine) Stats() MemoryEngineStats {
	return MemoryEngineStats{
		Reads:   e.reads.Load(),
		Writes:  e.writes.Load(),
		Deletes: e.deletes.Load(),
	}
}

// Close shuts the engine down. Subsequent operations fail with
// ErrEngineClosed.
func (e *MemoryEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.trees = nil
	return nil
}

// Seed writes a pair directly into a column family, bypassing region
// checks. Intended for test and demo setup.
func (e *MemoryEngine) Seed(cf string, key Key, value Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.tree(cf).ReplaceOrInsert(kvItem{key: cloneBytes(key), value: cloneBytes(value)})
}

// tree returns the tree for cf, creating it if needed. Caller holds mu.
func (e *MemoryEngine) tree(cf string) *btree.BTreeG[kvItem] {
	t, ok := e.trees[cf]
	if !ok {
		t = btree.NewG(memTreeDegree, kvItemLess)
		e.trees[cf] = t
	}
	return t
}

// checkRequest validates the request context against the region table and
// returns the target region. Caller holds mu.
func (e *MemoryEngine) checkRequest(reqCtx RequestContext) (Region, error) {
	if e.closed {
		return Region{}, ErrEngineClosed
	}
	region, ok := e.regions[reqCtx.RegionID]
	if !ok {
		return Region{}, fmt.Errorf("region %d: %w", reqCtx.RegionID, ErrRegionNotFound)
	}
	if (reqCtx.Epoch != RegionEpoch{}) && reqCtx.Epoch != region.Epoch {
		return Region{}, fmt.Errorf("region %d epoch mismatch: got %+v, want %+v", region.ID, reqCtx.Epoch, region.Epoch)
	}
	return region, nil
}

func (e *MemoryEngine) checkKey(region Region, key Key) error {
	if !region.Contains(key) {
		return &RequestError{
			Key:      cloneBytes(key),
			RegionID: region.ID,
			StartKey: cloneBytes(region.StartKey),
			EndKey:   cloneBytes(region.EndKey),
		}
	}
	return nil
}

func (e *MemoryEngine) checkRange(region Region, start, end Key) error {
	if !region.ContainsRange(KeyRange{Start: start, End: end}) {
		return &RequestError{
			Key:      cloneBytes(start),
			RegionID: region.ID,
			StartKey: cloneBytes(region.StartKey),
			EndKey:   cloneBytes(region.EndKey),
		}
	}
	return nil
}

// RawGet implements RawEngine.
func (e *MemoryEngine) RawGet(reqCtx RequestContext, cf string, key Key) <-chan GetResult {
	ch := make(chan GetResult, 1)
	go func() {
		defer close(ch)
		e.reads.Add(1)
		e.mu.RLock()
		defer e.mu.RUnlock()
		region, err := e.checkRequest(reqCtx)
		if err == nil {
			err = e.checkKey(region, key)
		}
		if err != nil {
			ch <- GetResult{Err: err}
			return
		}
		t, ok := e.trees[cf]
		if !ok {
			ch <- GetResult{}
			return
		}
		item, found := t.Get(kvItem{key: key})
		if !found {
			ch <- GetResult{}
			return
		}
		ch <- GetResult{Value: cloneBytes(item.value), Found: true}
	}()
	return ch
}

// RawBatchGet implements RawEngine.
func (e *MemoryEngine) RawBatchGet(reqCtx RequestContext, cf string, keys []Key) <-chan PairsResult {
	ch := make(chan PairsResult, 1)
	go func() {
		defer close(ch)
		e.reads.Add(1)
		e.mu.RLock()
		defer e.mu.RUnlock()
		region, err := e.checkRequest(reqCtx)
		if err != nil {
			ch <- PairsResult{Err: err}
			return
		}
		for _, key := range keys {
			if err := e.checkKey(region, key); err != nil {
				ch <- PairsResult{Err: err}
				return
			}
		}
		t, ok := e.trees[cf]
		if !ok {
			ch <- PairsResult{}
			return
		}
		var pairs []KvPair
		for _, key := range keys {
			if item, found := t.Get(kvItem{key: key}); found {
				pairs = append(pairs, KvPair{Key: cloneBytes(item.key), Value: cloneBytes(item.value)})
			}
		}
		ch <- PairsResult{Pairs: pairs}
	}()
	return ch
}

// RawScan implements RawEngine. A limit <= 0 means unlimited.
func (e *MemoryEngine) RawScan(reqCtx RequestContext, cf string, start, end Key, limit int) <-chan PairsResult {
	ch := make(chan PairsResult, 1)
	go func() {
		defer close(ch)
		e.reads.Add(1)
		e.mu.RLock()
		defer e.mu.RUnlock()
		region, err := e.checkRequest(reqCtx)
		if err == nil {
			err = e.checkRange(region, start, end)
		}
		if err != nil {
			ch <- PairsResult{Err: err}
			return
		}
		t, ok := e.trees[cf]
		if !ok {
			ch <- PairsResult{}
			return
		}
		var pairs []KvPair
		iter := func(item kvItem) bool {
			if limit > 0 && len(pairs) >= limit {
				return false
			}
			pairs = append(pairs, KvPair{Key: cloneBytes(item.key), Value: cloneBytes(item.value)})
			return true
		}
		if len(end) == 0 {
			t.AscendGreaterOrEqual(kvItem{key: start}, iter)
		} else {
			t.AscendRange(kvItem{key: start}, kvItem{key: end}, iter)
		}
		ch <- PairsResult{Pairs: pairs}
	}()
	return ch
}

// RawPut implements RawEngine.
func (e *MemoryEngine) RawPut(reqCtx RequestContext, cf string, key Key, value Value, _ uint64) (<-chan error, error) {
	return e.submitWrite(reqCtx, func(region Region) error {
		if err := e.checkKey(region, key); err != nil {
			return err
		}
		e.writes.Add(1)
		e.tree(cf).ReplaceOrInsert(kvItem{key: cloneBytes(key), value: cloneBytes(value)})
		return nil
	})
}

// RawBatchPut implements RawEngine. Each pair is applied atomically; the
// batch is not atomic as a whole.
func (e *MemoryEngine) RawBatchPut(reqCtx RequestContext, cf string, pairs []KvPair, _ uint64) (<-chan error, error) {
	return e.submitWrite(reqCtx, func(region Region) error {
		for _, pair := range pairs {
			if err := e.checkKey(region, pair.Key); err != nil {
				return err
			}
		}
		t := e.tree(cf)
		for _, pair := range pairs {
			e.writes.Add(1)
			t.ReplaceOrInsert(kvItem{key: cloneBytes(pair.Key), value: cloneBytes(pair.Value)})
		}
		return nil
	})
}

// RawDelete implements RawEngine. Deleting an absent key succeeds.
func (e *MemoryEngine) RawDelete(reqCtx RequestContext, cf string, key Key) (<-chan error, error) {
	return e.submitWrite(reqCtx, func(region Region) error {
		if err := e.checkKey(region, key); err != nil {
			return err
		}
		e.deletes.Add(1)
		e.tree(cf).Delete(kvItem{key: key})
		return nil
	})
}

// RawBatchDelete implements RawEngine.
func (e *MemoryEngine) RawBatchDelete(reqCtx RequestContext, cf string, keys []Key) (<-chan error, error) {
	return e.submitWrite(reqCtx, func(region Region) error {
		for _, key := range keys {
			if err := e.checkKey(region, key); err != nil {
				return err
			}
		}
		t := e.tree(cf)
		for _, key := range keys {
			e.deletes.Add(1)
			t.Delete(kvItem{key: key})
		}
		return nil
	})
}

// RawDeleteRange implements RawEngine.
func (e *MemoryEngine) RawDeleteRange(reqCtx RequestContext, cf string, start, end Key) (<-chan error, error) {
	return e.submitWrite(reqCtx, func(region Region) error {
		if err := e.checkRange(region, start, end); err != nil {
			return err
		}
		t := e.tree(cf)
		var doomed []Key
		iter := func(item kvItem) bool {
			doomed = append(doomed, item.key)
			return true
		}
		if len(end) == 0 {
			t.AscendGreaterOrEqual(kvItem{key: start}, iter)
		} else {
			t.AscendRange(kvItem{key: start}, kvItem{key: end}, iter)
		}
		for _, key := range doomed {
			e.deletes.Add(1)
			t.Delete(kvItem{key: key})
		}
		return nil
	})
}

// submitWrite runs a mutation under the write lock and pairs the
// synchronous submission with an asynchronous completion, mirroring
// engines whose write path takes an explicit completion callback.
func (e *MemoryEngine) submitWrite(reqCtx RequestContext, mutate func(region Region) error) (<-chan error, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrEngineClosed
	}

	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		e.mu.Lock()
		defer e.mu.Unlock()
		region, err := e.checkRequest(reqCtx)
		if err != nil {
			ch <- err
			return
		}
		ch <- mutate(region)
	}()
	return ch, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
