// charond: demo daemon for the charon coprocessor core
//
// Loads coprocessor plugins from a directory into a plugin host, wires an
// in-memory engine behind a request endpoint, and dispatches payloads in
// a CBOR op format (read, write, add, error, panic), the same one the
// package's key-value test plugin decodes. Useful for poking at a plugin build
// without a full store around it.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agilira/charon/pkg/charon"
	"github.com/agilira/orpheus/pkg/orpheus"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// pluginRequest mirrors the payload format of the key-value test plugin
// (kvRequest in pkg/charon/endpoint_test.go).
type pluginRequest struct {
	Op    string `cbor:"op"`
	Key   []byte `cbor:"key,omitempty"`
	Value []byte `cbor:"value,omitempty"`
	X     uint32 `cbor:"x,omitempty"`
	Y     uint32 `cbor:"y,omitempty"`
}

type pluginResponse struct {
	Value []byte `cbor:"value,omitempty"`
	Found bool   `cbor:"found,omitempty"`
	Sum   uint32 `cbor:"sum,omitempty"`
	Err   string `cbor:"err,omitempty"`
}

func main() {
	app := orpheus.New("charond").
		SetDescription("Charon coprocessor host demo daemon").
		SetVersion("1.0.0")

	app.AddGlobalFlag("plugins", "p", "./plugins", "Directory to load coprocessor plugins from").
		AddGlobalBoolFlag("verbose", "v", false, "Enable verbose output").
		AddGlobalFlag("metrics-addr", "m", "", "Address to expose Prometheus metrics on (empty disables)")

	listCmd := orpheus.NewCommand("list", "List loaded coprocessor plugins").
		SetHandler(runList)

	dispatchCmd := orpheus.NewCommand("dispatch", "Dispatch one request to a coprocessor").
		SetHandler(runDispatch).
		AddFlag("copr", "c", "example-plugin", "Coprocessor name to dispatch to").
		AddFlag("op", "o", "add", "Operation: read, write, add, error, panic").
		AddFlag("key", "k", "", "Key for read/write").
		AddFlag("value", "", "", "Value for write").
		AddIntFlag("x", "x", 0, "Left operand for add").
		AddIntFlag("y", "y", 0, "Right operand for add")

	benchCmd := orpheus.NewCommand("bench", "Dispatch a compute payload in a loop").
		SetHandler(runBench).
		AddFlag("copr", "c", "example-plugin", "Coprocessor name to dispatch to").
		AddIntFlag("count", "n", 10000, "Number of dispatches")

	app.AddCommand(listCmd).
		AddCommand(dispatchCmd).
		AddCommand(benchCmd)

	if err := app.Run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

// host bundles everything a command needs.
type host struct {
	plugins  *charon.PluginManager
	endpoint *charon.Endpoint
}

func newHost(ctx *orpheus.Context) (*host, error) {
	logger := newZerologLogger(ctx.GetGlobalFlagBool("verbose"))
	metrics := newPromCollector()

	pluginsDir, err := filepath.Abs(ctx.GetGlobalFlagString("plugins"))
	if err != nil {
		return nil, err
	}

	pm := charon.NewPluginManager(logger, &charon.PluginSecurityConfig{
		ValidateChecksums: true,
		MaxPluginSize:     100 << 20,
		AllowedPaths:      []string{pluginsDir},
		RequiredSymbols:   []string{charon.PluginConstructorName},
	}).SetMetricsCollector(metrics)

	entries, err := os.ReadDir(pluginsDir)
	if err != nil {
		return nil, fmt.Errorf("reading plugin directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".so") {
			continue
		}
		name, err := pm.Install(context.Background(), filepath.Join(pluginsDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		fmt.Printf("loaded coprocessor %q from %s\n", name, entry.Name())
	}

	engine := charon.NewMemoryEngine()
	engine.AddRegion(charon.Region{ID: 1, Epoch: charon.RegionEpoch{ConfVer: 1, Version: 1}})

	endpoint := charon.NewEndpoint(pm, engine, engine).
		SetLogger(logger).
		SetMetricsCollector(metrics)

	if addr := ctx.GetGlobalFlagString("metrics-addr"); addr != "" {
		go func() {
			handler := promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})
			if err := http.ListenAndServe(addr, handler); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	return &host{plugins: pm, endpoint: endpoint}, nil
}

func runList(ctx *orpheus.Context) error {
	h, err := newHost(ctx)
	if err != nil {
		return orpheus.ExecutionError("list", err.Error())
	}
	defer h.plugins.Close(context.Background())

	for name, info := range h.plugins.ListLoadedPlugins() {
		fmt.Printf("%-24s %s\n", name, info.Path)
	}
	return nil
}

func runDispatch(ctx *orpheus.Context) error {
	h, err := newHost(ctx)
	if err != nil {
		return orpheus.ExecutionError("dispatch", err.Error())
	}
	defer h.plugins.Close(context.Background())

	payload, err := cbor.Marshal(pluginRequest{
		Op:    ctx.GetFlagString("op"),
		Key:   []byte(ctx.GetFlagString("key")),
		Value: []byte(ctx.GetFlagString("value")),
		X:     uint32(ctx.GetFlagInt("x")),
		Y:     uint32(ctx.GetFlagInt("y")),
	})
	if err != nil {
		return orpheus.ExecutionError("dispatch", err.Error())
	}

	resp := h.endpoint.HandleRequest(context.Background(), &charon.RawCoprocessorRequest{
		Context:  charon.RequestContext{RegionID: 1, Epoch: charon.RegionEpoch{ConfVer: 1, Version: 1}},
		CoprName: ctx.GetFlagString("copr"),
		Data:     payload,
	})

	switch {
	case resp.RegionError != nil:
		fmt.Printf("region error: %s\n", resp.RegionError.Message)
	case resp.OtherError != "":
		fmt.Printf("error: %s\n", resp.OtherError)
	default:
		var decoded pluginResponse
		if err := cbor.Unmarshal(resp.Data, &decoded); err != nil {
			return orpheus.ExecutionError("dispatch", fmt.Sprintf("decoding response: %v", err))
		}
		fmt.Printf("response: %+v\n", decoded)
	}
	return nil
}

func runBench(ctx *orpheus.Context) error {
	h, err := newHost(ctx)
	if err != nil {
		return orpheus.ExecutionError("bench", err.Error())
	}
	defer h.plugins.Close(context.Background())

	count := ctx.GetFlagInt("count")
	payload, err := cbor.Marshal(pluginRequest{Op: "add", X: 2, Y: 3})
	if err != nil {
		return orpheus.ExecutionError("bench", err.Error())
	}

	req := &charon.RawCoprocessorRequest{
		Context:  charon.RequestContext{RegionID: 1, Epoch: charon.RegionEpoch{ConfVer: 1, Version: 1}},
		CoprName: ctx.GetFlagString("copr"),
		Data:     payload,
	}

	start := time.Now()
	failures := 0
	for i := 0; i < count; i++ {
		if resp := h.endpoint.HandleRequest(context.Background(), req); resp.OtherError != "" {
			failures++
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("%d dispatches in %s (%.0f/s), %d failures\n",
		count, elapsed, float64(count)/elapsed.Seconds(), failures)
	return nil
}
