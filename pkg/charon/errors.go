// Error System for Charon
//
// Two strictly separated error domains live here. The host domain
// (PluginError and its variants) is what the storage bridge surfaces to
// plugins: region violations, engine timeouts, canceled completions, and
// an opaque carrier for everything else. The registry and endpoint errors
// use the go-errors framework with structured context, following AGILira
// error handling standards.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package charon

import (
	"errors"
	"fmt"
	"time"

	goerrors "github.com/agilira/go-errors"
)

// Charon-specific error codes using the go-errors framework
const (
	// ErrCodePluginLoad indicates a plugin shared library failed to load
	ErrCodePluginLoad goerrors.ErrorCode = "CHR1000"

	// ErrCodePluginNotFound indicates a request named an unknown plugin
	ErrCodePluginNotFound goerrors.ErrorCode = "CHR1001"

	// ErrCodePluginPanic indicates a plugin handler panicked during dispatch
	ErrCodePluginPanic goerrors.ErrorCode = "CHR1002"

	// ErrCodeRegionResolve indicates the routing layer could not supply a region
	ErrCodeRegionResolve goerrors.ErrorCode = "CHR1003"

	// ErrCodeStorageValidation indicates invalid storage operation parameters
	ErrCodeStorageValidation goerrors.ErrorCode = "CHR2000"

	// ErrCodeStorageExecution indicates a storage operation failure
	ErrCodeStorageExecution goerrors.ErrorCode = "CHR2001"
)

// Sentinel errors for programmatic checks
var (
	// ErrPluginNotFound is returned when a plugin name is not in the registry
	ErrPluginNotFound = errors.New("coprocessor plugin not found")

	// ErrNilPluginConstructor is returned when the constructor symbol returns nil
	ErrNilPluginConstructor = errors.New("plugin constructor returned nil")

	// ErrEngineClosed is returned by engine operations after the engine shut down
	ErrEngineClosed = errors.New("storage engine is closed")

	// ErrRegionNotFound is returned when the routing layer has no region
	// for the requested region id
	ErrRegionNotFound = errors.New("region not found")
)

// PluginError is the host-facing storage error taxonomy surfaced to
// coprocessor plugins by the bridge. Plugins may react programmatically
// (for example fail gracefully on a region mismatch) or propagate the
// error back through their handler, where the endpoint packages it into
// the response.
//
// The concrete variants are *KeyNotInRegionError, *TimeoutError,
// *CanceledError and *OtherError.
type PluginError interface {
	error

	// pluginError seals the taxonomy to the variants defined here.
	pluginError()
}

// KeyNotInRegionError reports a key that falls outside the region served
// by the request. Key, StartKey and EndKey are drawn from the engine's
// report; routing clients use them to retry against an updated topology.
type KeyNotInRegionError struct {
	Key      Key
	RegionID uint64
	StartKey Key
	EndKey   Key
}

func (e *KeyNotInRegionError) Error() string {
	return fmt.Sprintf("key %q not in region %d [%q, %q)", e.Key, e.RegionID, e.StartKey, e.EndKey)
}

func (e *KeyNotInRegionError) pluginError() {}

// TimeoutError reports that the engine gave up on an operation after the
// given duration. Engine timeouts are the engine's own; the bridge does
// not impose any.
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("storage operation timed out after %s", e.Duration)
}

func (e *TimeoutError) pluginError() {}

// CanceledError reports that the completion channel of an in-flight
// operation was canceled before producing a value, typically because the
// surrounding request was canceled.
type CanceledError struct{}

func (e *CanceledError) Error() string {
	return "storage operation canceled"
}

func (e *CanceledError) pluginError() {}

// OtherError carries any engine error that does not map onto a dedicated
// variant. The original error is preserved as an opaque cause so that
// host-side diagnostics are not lost; plugins should treat it as opaque.
type OtherError struct {
	Cause error
}

func (e *OtherError) Error() string {
	return fmt.Sprintf("storage operation failed: %v", e.Cause)
}

func (e *OtherError) Unwrap() error {
	return e.Cause
}

func (e *OtherError) pluginError() {}

// NewError creates a structured charon error with component context.
func NewError(code goerrors.ErrorCode, component, message string) *goerrors.Error {
	return goerrors.New(code, message).
		WithContext("component", component)
}

// PluginLoadError creates an error for a failed plugin install.
func PluginLoadError(pluginPath string, err error) *goerrors.Error {
	return NewError(ErrCodePluginLoad, "plugins", fmt.Sprintf("failed to load plugin from '%s': %v", pluginPath, err)).
		WithContext("operation", "plugins.Install").
		WithContext("plugin_path", pluginPath).
		WithSeverity("critical").
		WithUserMessage("Failed to load coprocessor plugin")
}

// PluginNotFoundError creates an error for a dispatch to an unknown plugin.
func PluginNotFoundError(name string) *goerrors.Error {
	return NewError(ErrCodePluginNotFound, "plugins", fmt.Sprintf("coprocessor plugin '%s' is not loaded", name)).
		WithContext("operation", "endpoint.HandleRequest").
		WithContext("plugin_name", name).
		WithSeverity("warning").
		WithUserMessage(fmt.Sprintf("Coprocessor '%s' is not available on this node", name))
}

// PluginPanicError creates an error for a plugin handler that panicked.
func PluginPanicError(name string, recovered interface{}) *goerrors.Error {
	return NewError(ErrCodePluginPanic, "plugins", fmt.Sprintf("coprocessor plugin '%s' panicked: %v", name, recovered)).
		WithContext("operation", "endpoint.HandleRequest").
		WithContext("plugin_name", name).
		WithSeverity("critical").
		WithUserMessage("Coprocessor request crashed on the server")
}

// StorageValidationError creates an error for invalid operation parameters.
func StorageValidationError(operation, message string) *goerrors.Error {
	return NewError(ErrCodeStorageValidation, "storage", fmt.Sprintf("%s validation failed: %s", operation, message)).
		WithContext("operation", fmt.Sprintf("storage.%s", operation)).
		WithSeverity("error").
		WithUserMessage("Invalid storage operation parameters")
}

// IsKeyNotInRegion checks whether an error is a region violation.
func IsKeyNotInRegion(err error) bool {
	var e *KeyNotInRegionError
	return errors.As(err, &e)
}

// AsKeyNotInRegion extracts the region violation detail from an error.
func AsKeyNotInRegion(err error) (*KeyNotInRegionError, bool) {
	var e *KeyNotInRegionError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsStorageTimeout checks whether an error is an engine timeout.
func IsStorageTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// IsStorageCanceled checks whether an error is a canceled completion.
func IsStorageCanceled(err error) bool {
	var e *CanceledError
	return errors.As(err, &e)
}
