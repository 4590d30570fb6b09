// Storage bridge tests
//
// Covers the plugin-facing storage properties (point reads and writes,
// batch semantics, ordered scans, region enforcement) plus the error
// translation paths the in-memory engine cannot produce, via a mock
// engine.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package charon

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func newTestBridge() (*StorageBridge, *MemoryEngine) {
	engine, reqCtx := newTestEngine()
	return NewStorageBridge(engine, reqCtx, BridgeOptions{}), engine
}

func TestBridgePutGetOverwrite(t *testing.T) {
	bridge, _ := newTestBridge()
	ctx := context.Background()

	if err := bridge.Put(ctx, Key("k"), Value("v1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := bridge.Put(ctx, Key("k"), Value("v2")); err != nil {
		t.Fatalf("second put failed: %v", err)
	}

	value, found, err := bridge.Get(ctx, Key("k"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !found || !bytes.Equal(value, Value("v2")) {
		t.Errorf("get = (%q, %v), want last written value", value, found)
	}
}

func TestBridgeDeleteThenGet(t *testing.T) {
	bridge, _ := newTestBridge()
	ctx := context.Background()

	if err := bridge.Put(ctx, Key("k"), Value("v")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := bridge.Delete(ctx, Key("k")); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	_, found, err := bridge.Get(ctx, Key("k"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if found {
		t.Error("deleted key must read as absent, not as an error")
	}
}

func TestBridgeBatchGetOmitsAbsent(t *testing.T) {
	bridge, _ := newTestBridge()
	ctx := context.Background()

	if err := bridge.BatchPut(ctx, []KvPair{
		{Key: Key("b"), Value: Value("1")},
		{Key: Key("d"), Value: Value("2")},
	}); err != nil {
		t.Fatalf("batch put failed: %v", err)
	}

	pairs, err := bridge.BatchGet(ctx, []Key{Key("b"), Key("c"), Key("d"), Key("b")})
	if err != nil {
		t.Fatalf("batch get failed: %v", err)
	}
	// Present keys only; duplicates in the request are permitted.
	for _, pair := range pairs {
		if string(pair.Key) == "c" {
			t.Error("absent key must be omitted, not returned with an empty value")
		}
	}
	if len(pairs) < 2 {
		t.Errorf("batch get returned %d pairs, want the present keys", len(pairs))
	}
}

func TestBridgeScanAscending(t *testing.T) {
	bridge, _ := newTestBridge()
	ctx := context.Background()

	for _, k := range []string{"e", "b", "d", "c"} {
		if err := bridge.Put(ctx, Key(k), Value("v-"+k)); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	values, err := bridge.Scan(ctx, KeyRange{Start: Key("b"), End: Key("e")})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	want := []string{"v-b", "v-c", "v-d"}
	if len(values) != len(want) {
		t.Fatalf("scan = %d values, want %d", len(values), len(want))
	}
	for i := range want {
		if string(values[i]) != want[i] {
			t.Errorf("scan[%d] = %q, want %q", i, values[i], want[i])
		}
	}
}

func TestBridgeScanCap(t *testing.T) {
	engine, reqCtx := newTestEngine()
	bridge := NewStorageBridge(engine, reqCtx, BridgeOptions{MaxScanValues: 2})
	ctx := context.Background()

	for _, k := range []string{"b", "c", "d", "e"} {
		if err := bridge.Put(ctx, Key(k), Value("v")); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	values, err := bridge.Scan(ctx, KeyRange{Start: Key("b"), End: Key("l")})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(values) != 2 {
		t.Errorf("capped scan returned %d values, want 2", len(values))
	}
}

func TestBridgeDeleteRange(t *testing.T) {
	bridge, _ := newTestBridge()
	ctx := context.Background()

	for _, k := range []string{"b", "c", "d"} {
		if err := bridge.Put(ctx, Key(k), Value("v")); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}
	if err := bridge.DeleteRange(ctx, KeyRange{Start: Key("b"), End: Key("d")}); err != nil {
		t.Fatalf("delete range failed: %v", err)
	}

	values, err := bridge.Scan(ctx, KeyRange{Start: Key("a"), End: Key("m")})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(values) != 1 {
		t.Errorf("%d values survived, want 1 (key d)", len(values))
	}
}

func TestBridgeKeyNotInRegion(t *testing.T) {
	bridge, _ := newTestBridge()
	ctx := context.Background()

	tests := []struct {
		name string
		key  Key
	}{
		{"below start", Key("0")},
		{"at end", Key("m")},
		{"above end", Key("z")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bridge.Put(ctx, tt.key, Value("v"))
			detail, ok := AsKeyNotInRegion(err)
			if !ok {
				t.Fatalf("want *KeyNotInRegionError, got %v", err)
			}
			if !bytes.Equal(detail.Key, tt.key) {
				t.Errorf("error key = %q, want %q", detail.Key, tt.key)
			}
			if !bytes.Equal(detail.StartKey, Key("a")) || !bytes.Equal(detail.EndKey, Key("m")) {
				t.Errorf("error bounds = [%q, %q), want the bridge's region", detail.StartKey, detail.EndKey)
			}

			_, _, err = bridge.Get(ctx, tt.key)
			if !IsKeyNotInRegion(err) {
				t.Errorf("get outside region = %v, want KeyNotInRegionError", err)
			}
		})
	}
}

func TestBridgeValidation(t *testing.T) {
	bridge, _ := newTestBridge()
	ctx := context.Background()

	if _, _, err := bridge.Get(ctx, nil); err == nil {
		t.Error("empty key must be rejected")
	} else if _, ok := err.(PluginError); !ok {
		t.Errorf("validation failure must stay inside the plugin-facing taxonomy, got %T", err)
	}

	if _, err := bridge.Scan(ctx, KeyRange{Start: Key("c"), End: Key("b")}); err == nil {
		t.Error("inverted range must be rejected")
	}
}

// mockEngine drives the bridge's translation and cancellation paths.
type mockEngine struct {
	getErr   error
	writeErr error
	// submitErr is returned synchronously from write submissions.
	submitErr error
	// block leaves completion channels open until the test finishes.
	block bool
	// cancel closes completion channels without delivering a value.
	cancel bool
}

func (m *mockEngine) readCh(res GetResult) <-chan GetResult {
	ch := make(chan GetResult, 1)
	if m.cancel {
		close(ch)
		return ch
	}
	if m.block {
		return ch
	}
	ch <- res
	close(ch)
	return ch
}

func (m *mockEngine) pairsCh(res PairsResult) <-chan PairsResult {
	ch := make(chan PairsResult, 1)
	if m.cancel {
		close(ch)
		return ch
	}
	if m.block {
		return ch
	}
	ch <- res
	close(ch)
	return ch
}

func (m *mockEngine) writeCh() (<-chan error, error) {
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	ch := make(chan error, 1)
	if m.cancel {
		close(ch)
		return ch, nil
	}
	if m.block {
		return ch, nil
	}
	ch <- m.writeErr
	close(ch)
	return ch, nil
}

func (m *mockEngine) RawGet(RequestContext, string, Key) <-chan GetResult {
	return m.readCh(GetResult{Err: m.getErr})
}
func (m *mockEngine) RawBatchGet(RequestContext, string, []Key) <-chan PairsResult {
	return m.pairsCh(PairsResult{Err: m.getErr})
}
func (m *mockEngine) RawScan(RequestContext, string, Key, Key, int) <-chan PairsResult {
	return m.pairsCh(PairsResult{Err: m.getErr})
}
func (m *mockEngine) RawPut(RequestContext, string, Key, Value, uint64) (<-chan error, error) {
	return m.writeCh()
}
func (m *mockEngine) RawBatchPut(RequestContext, string, []KvPair, uint64) (<-chan error, error) {
	return m.writeCh()
}
func (m *mockEngine) RawDelete(RequestContext, string, Key) (<-chan error, error) {
	return m.writeCh()
}
func (m *mockEngine) RawBatchDelete(RequestContext, string, []Key) (<-chan error, error) {
	return m.writeCh()
}
func (m *mockEngine) RawDeleteRange(RequestContext, string, Key, Key) (<-chan error, error) {
	return m.writeCh()
}

func TestBridgeTranslatesTimeout(t *testing.T) {
	engine := &mockEngine{getErr: &EngineTimeoutError{Duration: 2 * time.Second}}
	bridge := NewStorageBridge(engine, RequestContext{RegionID: 1}, BridgeOptions{})

	_, _, err := bridge.Get(context.Background(), Key("k"))
	if !IsStorageTimeout(err) {
		t.Fatalf("want TimeoutError, got %v", err)
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) && timeout.Duration != 2*time.Second {
		t.Errorf("timeout duration = %s, want 2s", timeout.Duration)
	}
}

func TestBridgeTranslatesOther(t *testing.T) {
	cause := errors.New("disk on fire")
	engine := &mockEngine{getErr: cause}
	bridge := NewStorageBridge(engine, RequestContext{RegionID: 1}, BridgeOptions{})

	_, _, err := bridge.Get(context.Background(), Key("k"))
	var other *OtherError
	if !errors.As(err, &other) {
		t.Fatalf("want OtherError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("original cause must be preserved inside OtherError")
	}
}

func TestBridgeSubmitErrorSurfacesImmediately(t *testing.T) {
	engine := &mockEngine{submitErr: ErrEngineClosed}
	bridge := NewStorageBridge(engine, RequestContext{RegionID: 1}, BridgeOptions{})

	err := bridge.Put(context.Background(), Key("k"), Value("v"))
	var other *OtherError
	if !errors.As(err, &other) || !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("submission error must surface as OtherError carrying the cause, got %v", err)
	}
}

func TestBridgeCanceledCompletionChannel(t *testing.T) {
	engine := &mockEngine{cancel: true}
	bridge := NewStorageBridge(engine, RequestContext{RegionID: 1}, BridgeOptions{})
	ctx := context.Background()

	if _, _, err := bridge.Get(ctx, Key("k")); !IsStorageCanceled(err) {
		t.Errorf("canceled read completion = %v, want CanceledError", err)
	}
	if err := bridge.Put(ctx, Key("k"), Value("v")); !IsStorageCanceled(err) {
		t.Errorf("canceled write completion = %v, want CanceledError", err)
	}
}

func TestBridgeContextCancellation(t *testing.T) {
	engine := &mockEngine{block: true}
	bridge := NewStorageBridge(engine, RequestContext{RegionID: 1}, BridgeOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := bridge.Get(ctx, Key("k"))
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !IsStorageCanceled(err) {
			t.Errorf("canceled context = %v, want CanceledError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bridge op did not observe context cancellation")
	}
}

func TestBridgePreCanceledContext(t *testing.T) {
	bridge, engine := newTestBridge()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := bridge.Put(ctx, Key("k"), Value("v")); !IsStorageCanceled(err) {
		t.Fatalf("pre-canceled context = %v, want CanceledError", err)
	}
	// The write was never submitted, so no durable side effect.
	res := <-engine.RawGet(RequestContext{RegionID: 1}, DefaultCF, Key("k"))
	if res.Found {
		t.Error("canceled write must not leave a durable side effect")
	}
}
