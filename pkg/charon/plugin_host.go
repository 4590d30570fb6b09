// Plugin Host for Charon Coprocessors
//
// This file implements dynamic loading of coprocessor plugins using Go's
// plugin system. Provides validation, lifecycle management, and a
// process-wide registry indexed by the name each plugin reports.
//
// Features:
// - Dynamic .so plugin loading with security validation
// - Plugin lifecycle management (load, validate, unload)
// - Thread-safe plugin registry with reference-counted handles
// - Deferred teardown while requests still borrow a handle
// - Comprehensive error handling and logging
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package charon

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PluginManager manages the lifecycle of coprocessor plugins with security
// validation. Thread-safe: the registry is read by every request dispatch
// and mutated only by install and uninstall.
type PluginManager struct {
	// registry holds loaded plugins by name for fast lookup
	registry map[string]*LoadedPlugin

	// mutex protects concurrent access to the registry
	mutex sync.RWMutex

	// logger for plugin operations (optional)
	logger Logger

	// metrics for plugin operations (optional)
	metrics MetricsCollector
	loaded  Gauge

	// securityConfig controls plugin loading security checks
	securityConfig *PluginSecurityConfig
}

// LoadedPlugin owns a loaded plugin library and the plugin object
// constructed inside it. The library handle is pinned in the wrapper for
// the plugin object's entire lifetime because the object's code lives in
// the library image; the object is always forgotten before the handle.
//
// Handles are reference counted: the registry holds one reference, every
// borrowing request holds another. Teardown (the unload hook, then
// forgetting the object, then dropping the library handle) runs when the
// last reference is released, so uninstalling a plugin never destroys a
// handle that an in-flight request is still executing.
type LoadedPlugin struct {
	plugin CoprocessorPlugin
	lib    *plugin.Plugin

	name     string
	path     string
	hash     string
	loadTime time.Time

	refs         atomic.Int64
	teardownOnce sync.Once
	logger       Logger
}

// PluginInfo describes a loaded plugin for inspection surfaces.
type PluginInfo struct {
	Name     string
	Path     string
	Hash     string
	LoadTime time.Time
	Builtin  bool
}

// PluginSecurityConfig controls security validation during plugin loading
type PluginSecurityConfig struct {
	// ValidateChecksums controls whether to record plugin file integrity hashes
	ValidateChecksums bool `json:"validate_checksums" yaml:"validate_checksums"`

	// MaxPluginSize is the maximum allowed plugin file size in bytes
	MaxPluginSize int64 `json:"max_plugin_size_bytes" yaml:"max_plugin_size_bytes"`

	// AllowedPaths restricts plugin loading to specific directories
	AllowedPaths []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`

	// RequiredSymbols are the symbols that must be present in the plugin
	RequiredSymbols []string `json:"required_symbols,omitempty" yaml:"required_symbols,omitempty"`
}

// DefaultPluginSecurityConfig returns a secure default configuration
func DefaultPluginSecurityConfig() *PluginSecurityConfig {
	return &PluginSecurityConfig{
		ValidateChecksums: true,
		MaxPluginSize:     100 << 20, // 100MB
		AllowedPaths: []string{
			"/usr/local/lib/charon/plugins",
			"/opt/charon/plugins",
			"./plugins",
		},
		RequiredSymbols: []string{
			PluginConstructorName,
		},
	}
}

// NewPluginManager creates a new plugin manager with the specified
// configuration. A nil securityConfig selects the secure defaults.
func NewPluginManager(logger Logger, securityConfig *PluginSecurityConfig) *PluginManager {
	if securityConfig == nil {
		securityConfig = DefaultPluginSecurityConfig()
	}

	// Defensive copy so external mutation cannot relax the checks later
	configCopy := &PluginSecurityConfig{
		ValidateChecksums: securityConfig.ValidateChecksums,
		MaxPluginSize:     securityConfig.MaxPluginSize,
		AllowedPaths:      expandPluginPaths(securityConfig.AllowedPaths),
		RequiredSymbols:   append([]string(nil), securityConfig.RequiredSymbols...),
	}

	return &PluginManager{
		registry:       make(map[string]*LoadedPlugin),
		logger:         logger,
		securityConfig: configCopy,
	}
}

// SetMetricsCollector sets the metrics collector and returns the manager
// for chaining.
func (pm *PluginManager) SetMetricsCollector(collector MetricsCollector) *PluginManager {
	pm.metrics = collector
	if collector != nil {
		pm.loaded = collector.Gauge("charon_plugins_loaded", "Number of coprocessor plugins currently loaded")
	}
	return pm
}

// Install loads a coprocessor plugin from the shared library at path,
// fires its load hook, and registers it under the name it reports.
//
// Installing a plugin whose name is already taken replaces the old entry:
// the displaced handle runs its teardown before the new entry becomes
// visible, except that requests still borrowing it complete first and the
// teardown is deferred until the last borrow is released.
func (pm *PluginManager) Install(ctx context.Context, pluginPath string) (string, error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if err := pm.validatePluginPath(pluginPath); err != nil {
		return "", PluginLoadError(pluginPath, err)
	}
	if err := pm.validatePluginFile(pluginPath); err != nil {
		return "", PluginLoadError(pluginPath, err)
	}

	hash, err := pm.calculateFileHash(pluginPath)
	if err != nil {
		return "", PluginLoadError(pluginPath, fmt.Errorf("failed to calculate file hash: %w", err))
	}

	lib, err := plugin.Open(pluginPath)
	if err != nil {
		return "", PluginLoadError(pluginPath, fmt.Errorf("failed to open plugin library: %w", err))
	}

	if err := pm.validatePluginSymbols(lib); err != nil {
		return "", PluginLoadError(pluginPath, err)
	}

	symbol, err := lib.Lookup(PluginConstructorName)
	if err != nil {
		return "", PluginLoadError(pluginPath, fmt.Errorf("%s symbol not found: %w", PluginConstructorName, err))
	}
	constructor, ok := symbol.(PluginConstructor)
	if !ok {
		return "", PluginLoadError(pluginPath, fmt.Errorf("%s has invalid signature", PluginConstructorName))
	}

	instance, err := constructPlugin(constructor)
	if err != nil {
		return "", PluginLoadError(pluginPath, err)
	}

	loaded := &LoadedPlugin{
		plugin:   instance,
		lib:      lib,
		path:     pluginPath,
		hash:     hash,
		loadTime: time.Now(),
		logger:   pm.logger,
	}
	if err := pm.register(ctx, loaded); err != nil {
		return "", PluginLoadError(pluginPath, err)
	}

	pm.logInfo(ctx, "Plugin loaded successfully",
		StringField("plugin", loaded.name),
		StringField("path", pluginPath),
		StringField("hash", shortHash(hash)))
	return loaded.name, nil
}

// InstallBuiltin registers an in-process plugin that was linked into the
// host instead of being loaded from a shared library. The lifecycle is
// identical: the load hook fires before the plugin becomes visible, the
// unload hook fires on uninstall.
func (pm *PluginManager) InstallBuiltin(ctx context.Context, p CoprocessorPlugin) (string, error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if p == nil {
		return "", PluginLoadError("builtin", ErrNilPluginConstructor)
	}
	loaded := &LoadedPlugin{
		plugin:   p,
		loadTime: time.Now(),
		logger:   pm.logger,
	}
	if err := pm.register(ctx, loaded); err != nil {
		return "", PluginLoadError("builtin", err)
	}

	pm.logInfo(ctx, "Builtin plugin registered", StringField("plugin", loaded.name))
	return loaded.name, nil
}

// register fires the load hook and inserts the handle. Caller holds the
// write lock.
func (pm *PluginManager) register(ctx context.Context, loaded *LoadedPlugin) error {
	if err := fireOnLoad(loaded.plugin); err != nil {
		// Load hook failed: the plugin never becomes visible and its
		// unload hook must not fire.
		return err
	}

	name := loaded.plugin.Name()
	if name == "" {
		// The load hook completed, so the unload hook fires before the
		// plugin is discarded.
		loaded.teardown()
		return fmt.Errorf("plugin reported an empty name")
	}
	loaded.name = name
	loaded.refs.Store(1) // the registry's own reference

	if old, exists := pm.registry[name]; exists {
		pm.logWarn(ctx, "Replacing already loaded plugin",
			StringField("plugin", name),
			StringField("old_path", old.path))
		delete(pm.registry, name)
		old.Release()
	} else if pm.loaded != nil {
		pm.loaded.Inc(ctx)
	}
	pm.registry[name] = loaded
	return nil
}

// Get returns a borrowed handle for the named plugin, or nil if no such
// plugin is loaded. The caller must call Release on the handle when the
// request completes; the handle stays valid even if the plugin is
// uninstalled or replaced in the meantime.
func (pm *PluginManager) Get(name string) *LoadedPlugin {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()

	loaded, exists := pm.registry[name]
	if !exists || !loaded.acquire() {
		return nil
	}
	return loaded
}

// Uninstall removes the named plugin from the registry. The handle's
// teardown runs synchronously if no request is borrowing it, otherwise it
// is deferred until the last borrow is released.
func (pm *PluginManager) Uninstall(ctx context.Context, name string) error {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	loaded, exists := pm.registry[name]
	if !exists {
		return NewError(ErrCodePluginNotFound, "plugins", fmt.Sprintf("plugin '%s' not loaded", name)).
			WithContext("operation", "plugins.Uninstall").
			WithContext("plugin_name", name).
			WithSeverity("warning")
	}

	delete(pm.registry, name)
	if pm.loaded != nil {
		pm.loaded.Dec(ctx)
	}
	loaded.Release()

	pm.logInfo(ctx, "Plugin uninstalled", StringField("plugin", name), StringField("path", loaded.path))
	return nil
}

// ListLoadedPlugins returns information about all loaded plugins.
func (pm *PluginManager) ListLoadedPlugins() map[string]PluginInfo {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()

	result := make(map[string]PluginInfo, len(pm.registry))
	for name, loaded := range pm.registry {
		result[name] = PluginInfo{
			Name:     name,
			Path:     loaded.path,
			Hash:     loaded.hash,
			LoadTime: loaded.loadTime,
			Builtin:  loaded.lib == nil,
		}
	}
	return result
}

// Close uninstalls every plugin, firing unload hooks for handles without
// outstanding borrows and deferring the rest to their last Release.
func (pm *PluginManager) Close(ctx context.Context) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	for name, loaded := range pm.registry {
		delete(pm.registry, name)
		if pm.loaded != nil {
			pm.loaded.Dec(ctx)
		}
		loaded.Release()
	}
}

// Plugin returns the plugin object. Only valid while the handle is
// borrowed.
func (lp *LoadedPlugin) Plugin() CoprocessorPlugin {
	return lp.plugin
}

// Name returns the name the plugin reported at install time.
func (lp *LoadedPlugin) Name() string {
	return lp.name
}

// acquire takes a borrow. Fails once the reference count has reached
// zero, that is when teardown has started or finished.
func (lp *LoadedPlugin) acquire() bool {
	for {
		refs := lp.refs.Load()
		if refs <= 0 {
			return false
		}
		if lp.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// Release drops a borrow. The last release runs the teardown protocol:
// the unload hook fires, the plugin object is forgotten, and only then is
// the library handle dropped.
func (lp *LoadedPlugin) Release() {
	if lp.refs.Add(-1) == 0 {
		lp.teardown()
	}
}

func (lp *LoadedPlugin) teardown() {
	lp.teardownOnce.Do(func() {
		func() {
			// A panicking unload hook must not take down the host.
			defer func() {
				if r := recover(); r != nil && lp.logger != nil {
					lp.logger.Error(context.Background(), "Plugin unload hook panicked",
						StringField("plugin", lp.name),
						Field{Key: "panic", Value: r})
				}
			}()
			lp.plugin.OnUnload()
		}()
		// Destruction order invariant: the object goes first, the library
		// handle stays pinned until the object is gone.
		lp.plugin = nil
		lp.lib = nil
	})
}

// constructPlugin invokes the exported constructor, converting a panic
// into a load failure.
func constructPlugin(constructor PluginConstructor) (p CoprocessorPlugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			p = nil
			err = fmt.Errorf("plugin constructor panicked: %v", r)
		}
	}()
	p = constructor()
	if p == nil {
		return nil, ErrNilPluginConstructor
	}
	return p, nil
}

// fireOnLoad invokes the load hook, converting a panic into a load
// failure so a broken plugin cannot take down the host during install.
func fireOnLoad(p CoprocessorPlugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin load hook panicked: %v", r)
		}
	}()
	if err := p.OnLoad(); err != nil {
		return fmt.Errorf("plugin load hook failed: %w", err)
	}
	return nil
}

// Private helper methods

func (pm *PluginManager) validatePluginPath(pluginPath string) error {
	if !filepath.IsAbs(pluginPath) {
		return fmt.Errorf("plugin path must be absolute: %s", pluginPath)
	}

	if len(pm.securityConfig.AllowedPaths) > 0 {
		allowed := false
		for _, allowedPath := range pm.securityConfig.AllowedPaths {
			if strings.HasPrefix(pluginPath, allowedPath) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("plugin path not in allowed paths: %s", pluginPath)
		}
	}

	return nil
}

func (pm *PluginManager) validatePluginFile(pluginPath string) error {
	stat, err := os.Stat(pluginPath)
	if err != nil {
		return fmt.Errorf("plugin file not accessible: %w", err)
	}

	if !stat.Mode().IsRegular() {
		return fmt.Errorf("plugin path is not a regular file: %s", pluginPath)
	}

	if pm.securityConfig.MaxPluginSize > 0 && stat.Size() > pm.securityConfig.MaxPluginSize {
		return fmt.Errorf("plugin file too large: %d bytes (max: %d)", stat.Size(), pm.securityConfig.MaxPluginSize)
	}

	return nil
}

func (pm *PluginManager) validatePluginSymbols(lib *plugin.Plugin) error {
	for _, symbolName := range pm.securityConfig.RequiredSymbols {
		if _, err := lib.Lookup(symbolName); err != nil {
			return fmt.Errorf("required symbol '%s' not found: %w", symbolName, err)
		}
	}
	return nil
}

func (pm *PluginManager) calculateFileHash(pluginPath string) (string, error) {
	if !pm.securityConfig.ValidateChecksums {
		return "", nil
	}

	data, err := os.ReadFile(pluginPath)
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash), nil
}

func expandPluginPaths(paths []string) []string {
	var expanded []string

	for _, path := range paths {
		if strings.HasPrefix(path, "~/") {
			if homeDir, err := os.UserHomeDir(); err == nil {
				path = filepath.Join(homeDir, path[2:])
			}
		}

		if absPath, err := filepath.Abs(path); err == nil {
			expanded = append(expanded, absPath)
		} else {
			expanded = append(expanded, path)
		}
	}

	return expanded
}

func shortHash(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12] + "..."
}

func (pm *PluginManager) logInfo(ctx context.Context, msg string, fields ...Field) {
	if pm.logger != nil {
		pm.logger.Info(ctx, msg, fields...)
	}
}

func (pm *PluginManager) logWarn(ctx context.Context, msg string, fields ...Field) {
	if pm.logger != nil {
		pm.logger.Warn(ctx, msg, fields...)
	}
}
