// Request Endpoint for Charon Coprocessors
//
// The endpoint accepts a structured coprocessor request, resolves the
// named plugin from the registry, constructs a fresh storage bridge for
// the call, and packages the handler's result into a structured response.
// A plugin crash is contained at this boundary: the handler runs under a
// recover guard and a panic becomes a response error instead of taking
// down the host.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package charon

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RawCoprocessorRequest is the structured request delivered by the RPC
// layer: the name of the coprocessor to dispatch to, an opaque payload,
// and the routing context of the target region.
type RawCoprocessorRequest struct {
	Context  RequestContext
	CoprName string
	Data     []byte
}

// RegionError reports a region routing violation to the client so it can
// retry against an updated routing table.
type RegionError struct {
	Message  string
	RegionID uint64
	Key      Key
	StartKey Key
	EndKey   Key
}

// RawCoprocessorResponse is the structured response. On success Data
// holds the plugin's opaque output; on host failure exactly one of
// OtherError and RegionError is populated and Data is empty.
type RawCoprocessorResponse struct {
	Data        []byte
	OtherError  string
	RegionError *RegionError
}

// Endpoint dispatches coprocessor requests to installed plugins. Safe for
// concurrent use; each request borrows its plugin for the duration of the
// call and gets its own storage bridge.
type Endpoint struct {
	plugins    *PluginManager
	engine     RawEngine
	resolver   RegionResolver
	bridgeOpts BridgeOptions

	logger     Logger
	dispatches Counter
	latency    Histogram
}

// NewEndpoint creates an endpoint around the plugin registry, the server
// storage engine, and the routing layer's region resolver.
func NewEndpoint(plugins *PluginManager, engine RawEngine, resolver RegionResolver) *Endpoint {
	return &Endpoint{
		plugins:  plugins,
		engine:   engine,
		resolver: resolver,
	}
}

// SetLogger sets the logger and returns the endpoint for chaining.
func (e *Endpoint) SetLogger(logger Logger) *Endpoint {
	e.logger = logger
	return e
}

// SetMetricsCollector sets the metrics collector and returns the endpoint
// for chaining.
func (e *Endpoint) SetMetricsCollector(collector MetricsCollector) *Endpoint {
	if collector != nil {
		e.dispatches = collector.Counter("charon_dispatches_total", "Coprocessor dispatches by outcome", "outcome")
		e.latency = collector.Histogram("charon_dispatch_seconds", "Coprocessor dispatch duration",
			[]float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5})
	}
	return e
}

// SetBridgeOptions sets the per-request bridge options and returns the
// endpoint for chaining.
func (e *Endpoint) SetBridgeOptions(opts BridgeOptions) *Endpoint {
	e.bridgeOpts = opts
	return e
}

// HandleRequest dispatches one coprocessor request and always returns a
// response: registry misses, region resolution failures, storage errors
// propagated by the plugin, and plugin crashes all come back as
// structured response errors.
func (e *Endpoint) HandleRequest(ctx context.Context, req *RawCoprocessorRequest) *RawCoprocessorResponse {
	start := time.Now()
	requestID := uuid.NewString()

	resp := e.dispatch(ctx, requestID, req)

	outcome := "ok"
	switch {
	case resp.RegionError != nil:
		outcome = "region_error"
	case resp.OtherError != "":
		outcome = "other_error"
	}
	if e.dispatches != nil {
		e.dispatches.Inc(ctx, outcome)
	}
	if e.latency != nil {
		e.latency.Observe(ctx, time.Since(start).Seconds())
	}
	e.logDebug(ctx, "Coprocessor dispatch finished",
		StringField("request_id", requestID),
		StringField("copr_name", req.CoprName),
		StringField("outcome", outcome))
	return resp
}

func (e *Endpoint) dispatch(ctx context.Context, requestID string, req *RawCoprocessorRequest) *RawCoprocessorResponse {
	handle := e.plugins.Get(req.CoprName)
	if handle == nil {
		// The plugin was never invoked, so this is a host error, not a
		// PluginError.
		err := PluginNotFoundError(req.CoprName)
		e.logWarn(ctx, "Dispatch to unknown coprocessor",
			StringField("request_id", requestID),
			StringField("copr_name", req.CoprName))
		return &RawCoprocessorResponse{OtherError: err.Error()}
	}
	defer handle.Release()

	region, err := e.resolver.ResolveRegion(req.Context)
	if err != nil {
		resolveErr := NewError(ErrCodeRegionResolve, "endpoint", err.Error()).
			WithContext("region_id", req.Context.RegionID).
			WithSeverity("warning")
		return &RawCoprocessorResponse{OtherError: resolveErr.Error()}
	}

	bridge := NewStorageBridge(e.engine, req.Context, e.bridgeOpts)
	data, err := e.invoke(ctx, handle.Plugin(), req.CoprName, region, req.Data, bridge)
	if err != nil {
		return e.errorResponse(ctx, requestID, req.CoprName, err)
	}
	return &RawCoprocessorResponse{Data: data}
}

// invoke runs the plugin handler under a recover guard so a plugin crash
// is contained to the request that triggered it.
func (e *Endpoint) invoke(ctx context.Context, p CoprocessorPlugin, name string, region Region, payload []byte, storage RawStorage) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = PluginPanicError(name, r)
			e.logError(ctx, "Coprocessor plugin panicked",
				StringField("copr_name", name),
				Field{Key: "panic", Value: r})
		}
	}()
	return p.OnRawRequest(ctx, region.Clone(), payload, storage)
}

// errorResponse maps a handler error onto the wire response: region
// violations become RegionError so routing clients refresh their
// topology, everything else becomes OtherError.
func (e *Endpoint) errorResponse(ctx context.Context, requestID, name string, err error) *RawCoprocessorResponse {
	if regionErr, ok := AsKeyNotInRegion(err); ok {
		return &RawCoprocessorResponse{
			RegionError: &RegionError{
				Message:  regionErr.Error(),
				RegionID: regionErr.RegionID,
				Key:      regionErr.Key,
				StartKey: regionErr.StartKey,
				EndKey:   regionErr.EndKey,
			},
		}
	}
	e.logWarn(ctx, "Coprocessor request failed",
		StringField("request_id", requestID),
		StringField("copr_name", name),
		ErrorField(err))
	return &RawCoprocessorResponse{OtherError: err.Error()}
}

func (e *Endpoint) logDebug(ctx context.Context, msg string, fields ...Field) {
	if e.logger != nil {
		e.logger.Debug(ctx, msg, fields...)
	}
}

func (e *Endpoint) logWarn(ctx context.Context, msg string, fields ...Field) {
	if e.logger != nil {
		e.logger.Warn(ctx, msg, fields...)
	}
}

func (e *Endpoint) logError(ctx context.Context, msg string, fields ...Field) {
	if e.logger != nil {
		e.logger.Error(ctx, msg, fields...)
	}
}
