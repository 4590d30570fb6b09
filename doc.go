// Package charon provides a coprocessor plugin core for distributed
// key-value stores.
//
// Charon lets clients ship computation to the data: a request names a
// previously installed coprocessor plugin and carries an opaque payload;
// the endpoint dispatches the payload to the plugin, which runs inside the
// server process with raw key-value access to one data region and returns
// opaque result bytes.
//
// The core is made of three pieces:
//   - a plugin host that loads, indexes and unloads shared libraries
//     exporting a well-known constructor symbol
//   - a per-request storage bridge exposing the server's raw key-value
//     operations to plugins through a stable capability interface
//   - a request endpoint that resolves the plugin, builds the bridge and
//     packages the result
//
// Basic usage:
//
//	plugins := charon.NewPluginManager(logger, nil)
//	name, _ := plugins.Install(ctx, "/opt/charon/plugins/libexample_plugin.so")
//
//	engine := charon.NewMemoryEngine()
//	engine.AddRegion(charon.Region{ID: 1})
//	endpoint := charon.NewEndpoint(plugins, engine, engine)
//
//	resp := endpoint.HandleRequest(ctx, &charon.RawCoprocessorRequest{
//		Context:  charon.RequestContext{RegionID: 1},
//		CoprName: name,
//		Data:     payload,
//	})
//
// For a complete coprocessor plugin (read, write, add, error and panic
// ops over a CBOR payload), see kvPlugin in pkg/charon/endpoint_test.go.
// It is linked in with InstallBuiltin; the repository ships no
// shared-object plugin build.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package charon
