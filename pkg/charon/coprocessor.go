// Coprocessor Plugin Contract for Charon
//
// This file defines the interface a coprocessor implements and the ABI
// agreement between a separately built plugin shared object and the host:
// the exported constructor symbol, its signature, and the platform naming
// convention for compiled plugin libraries.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package charon

import (
	"context"
	"runtime"
	"strings"
)

// PluginConstructorName is the exported symbol every plugin shared library
// must provide. The symbol must have the PluginConstructor signature and a
// library must export exactly one plugin.
const PluginConstructorName = "NewCoprocessorPlugin"

// PluginConstructor is the required signature of the exported constructor
// symbol. The returned plugin is owned by the host from that point on.
type PluginConstructor = func() CoprocessorPlugin

// CoprocessorPlugin is the contract a coprocessor implements. Plugins run
// inside the server process and must tolerate parallel OnRawRequest
// invocations.
type CoprocessorPlugin interface {
	// Name returns the plugin's unique identifier. Requests dispatched to
	// the coprocessor endpoint must carry a matching CoprName. The name is
	// fixed for the plugin's lifetime; the host reads it once at install
	// time and indexes the registry by it.
	Name() string

	// OnLoad is fired exactly once, immediately after the plugin object is
	// constructed and before it becomes visible in the registry. A non-nil
	// error fails the install and the plugin is discarded without OnUnload.
	OnLoad() error

	// OnUnload is fired exactly once, immediately before the host forgets
	// the plugin object, and only if OnLoad completed. Best-effort cleanup;
	// plugins are expected to recover from their own panics here.
	OnUnload()

	// OnRawRequest handles one coprocessor request. The request bytes are
	// exactly the payload the client sent; the plugin is responsible for
	// decoding them and for encoding its response, in whatever format it
	// chooses. Semantic errors originating in the plugin should be encoded
	// into the response bytes; the error return is reserved for host and
	// storage failures (see PluginError).
	//
	// The storage parameter gives raw key-value access to the region the
	// request was routed to and is valid only until the handler returns.
	OnRawRequest(ctx context.Context, region Region, request []byte, storage RawStorage) ([]byte, error)
}

// LibraryName transforms the name of a plugin package into the name of its
// compiled shared library on the current platform:
//
//   - lib<pkg>.so on Linux
//   - lib<pkg>.dylib on macOS
//   - <pkg>.dll on Windows
//
// Hyphens in the package name are normalized to underscores.
func LibraryName(pkgName string) string {
	return libraryNameFor(pkgName, runtime.GOOS)
}

func libraryNameFor(pkgName, goos string) string {
	pkgName = strings.ReplaceAll(pkgName, "-", "_")
	switch goos {
	case "windows":
		return pkgName + ".dll"
	case "darwin":
		return "lib" + pkgName + ".dylib"
	default:
		return "lib" + pkgName + ".so"
	}
}
