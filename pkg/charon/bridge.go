// Storage Bridge for Charon Coprocessors
//
// The bridge is the per-request implementation of RawStorage. It wraps a
// non-owning reference to the server's engine and a private clone of the
// request context, adapts the engine's asynchronous surface into blocking
// context-aware calls, and normalizes the engine's error taxonomy into
// the plugin-facing one.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package charon

import (
	"context"
	"errors"
)

// BridgeOptions tunes per-request bridge behavior.
type BridgeOptions struct {
	// MaxScanValues caps the number of values a single Scan returns.
	// Zero means unbounded.
	MaxScanValues int
}

// StorageBridge exposes the engine's raw operations to one coprocessor
// invocation. It is bound to that invocation: constructed by the endpoint
// before the handler runs, discarded when the handler returns, and never
// shared across requests. Its operations may be called from the handler's
// own goroutines, but the bridge itself performs no cross-call ordering.
type StorageBridge struct {
	engine RawEngine
	reqCtx RequestContext
	opts   BridgeOptions
}

// NewStorageBridge constructs a bridge around a borrow of the engine and
// a clone of the request context.
func NewStorageBridge(engine RawEngine, reqCtx RequestContext, opts BridgeOptions) *StorageBridge {
	return &StorageBridge{
		engine: engine,
		reqCtx: reqCtx.Clone(),
		opts:   opts,
	}
}

// Get implements RawStorage.
func (b *StorageBridge) Get(ctx context.Context, key Key) (Value, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, &OtherError{Cause: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, false, &CanceledError{}
	}
	ch := b.engine.RawGet(b.reqCtx.Clone(), DefaultCF, key)
	select {
	case res, ok := <-ch:
		if !ok {
			return nil, false, &CanceledError{}
		}
		if res.Err != nil {
			return nil, false, translateEngineError(res.Err)
		}
		return res.Value, res.Found, nil
	case <-ctx.Done():
		return nil, false, &CanceledError{}
	}
}

// BatchGet implements RawStorage.
func (b *StorageBridge) BatchGet(ctx context.Context, keys []Key) ([]KvPair, error) {
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return nil, &OtherError{Cause: err}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &CanceledError{}
	}
	ch := b.engine.RawBatchGet(b.reqCtx.Clone(), DefaultCF, keys)
	pairs, err := b.awaitPairs(ctx, ch)
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

// Scan implements RawStorage. Values are returned in ascending key order.
func (b *StorageBridge) Scan(ctx context.Context, keyRange KeyRange) ([]Value, error) {
	if err := validateRange(keyRange); err != nil {
		return nil, &OtherError{Cause: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &CanceledError{}
	}
	ch := b.engine.RawScan(b.reqCtx.Clone(), DefaultCF, keyRange.Start, keyRange.End, b.opts.MaxScanValues)
	pairs, err := b.awaitPairs(ctx, ch)
	if err != nil {
		return nil, err
	}
	values := make([]Value, 0, len(pairs))
	for _, pair := range pairs {
		values = append(values, pair.Value)
	}
	return values, nil
}

// Put implements RawStorage. Writes use the engine's maximal TTL.
func (b *StorageBridge) Put(ctx context.Context, key Key, value Value) error {
	if err := validateKey(key); err != nil {
		return &OtherError{Cause: err}
	}
	if err := validateValue(value); err != nil {
		return &OtherError{Cause: err}
	}
	return b.submit(ctx, func() (<-chan error, error) {
		return b.engine.RawPut(b.reqCtx.Clone(), DefaultCF, key, value, NoTTL)
	})
}

// BatchPut implements RawStorage.
func (b *StorageBridge) BatchPut(ctx context.Context, pairs []KvPair) error {
	for _, pair := range pairs {
		if err := validateKey(pair.Key); err != nil {
			return &OtherError{Cause: err}
		}
		if err := validateValue(pair.Value); err != nil {
			return &OtherError{Cause: err}
		}
	}
	return b.submit(ctx, func() (<-chan error, error) {
		return b.engine.RawBatchPut(b.reqCtx.Clone(), DefaultCF, pairs, NoTTL)
	})
}

// Delete implements RawStorage.
func (b *StorageBridge) Delete(ctx context.Context, key Key) error {
	if err := validateKey(key); err != nil {
		return &OtherError{Cause: err}
	}
	return b.submit(ctx, func() (<-chan error, error) {
		return b.engine.RawDelete(b.reqCtx.Clone(), DefaultCF, key)
	})
}

// BatchDelete implements RawStorage.
func (b *StorageBridge) BatchDelete(ctx context.Context, keys []Key) error {
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return &OtherError{Cause: err}
		}
	}
	return b.submit(ctx, func() (<-chan error, error) {
		return b.engine.RawBatchDelete(b.reqCtx.Clone(), DefaultCF, keys)
	})
}

// DeleteRange implements RawStorage.
func (b *StorageBridge) DeleteRange(ctx context.Context, keyRange KeyRange) error {
	if err := validateRange(keyRange); err != nil {
		return &OtherError{Cause: err}
	}
	return b.submit(ctx, func() (<-chan error, error) {
		return b.engine.RawDeleteRange(b.reqCtx.Clone(), DefaultCF, keyRange.Start, keyRange.End)
	})
}

// submit pairs the engine's synchronous submission error with its
// asynchronous completion: a submission error surfaces immediately,
// otherwise the completion is awaited and normalized.
func (b *StorageBridge) submit(ctx context.Context, op func() (<-chan error, error)) error {
	if err := ctx.Err(); err != nil {
		return &CanceledError{}
	}
	ch, err := op()
	if err != nil {
		return translateEngineError(err)
	}
	select {
	case err, ok := <-ch:
		if !ok {
			return &CanceledError{}
		}
		if err != nil {
			return translateEngineError(err)
		}
		return nil
	case <-ctx.Done():
		return &CanceledError{}
	}
}

func (b *StorageBridge) awaitPairs(ctx context.Context, ch <-chan PairsResult) ([]KvPair, error) {
	select {
	case res, ok := <-ch:
		if !ok {
			return nil, &CanceledError{}
		}
		if res.Err != nil {
			return nil, translateEngineError(res.Err)
		}
		return res.Pairs, nil
	case <-ctx.Done():
		return nil, &CanceledError{}
	}
}

// translateEngineError maps the engine's internal error taxonomy onto the
// plugin-facing one. Errors without a dedicated variant are preserved
// as the opaque cause of an *OtherError.
func translateEngineError(err error) error {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return &KeyNotInRegionError{
			Key:      reqErr.Key,
			RegionID: reqErr.RegionID,
			StartKey: reqErr.StartKey,
			EndKey:   reqErr.EndKey,
		}
	}
	var timeoutErr *EngineTimeoutError
	if errors.As(err, &timeoutErr) {
		return &TimeoutError{Duration: timeoutErr.Duration}
	}
	return &OtherError{Cause: err}
}
