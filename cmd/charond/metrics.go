// Prometheus-backed implementation of the charon MetricsCollector
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"sync"

	"github.com/agilira/charon/pkg/charon"
	"github.com/prometheus/client_golang/prometheus"
)

type promCollector struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func newPromCollector() *promCollector {
	return &promCollector{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (p *promCollector) Registry() *prometheus.Registry {
	return p.registry
}

func (p *promCollector) Counter(name, description string, labels ...string) charon.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: description}, labels)
		p.registry.MustRegister(vec)
		p.counters[name] = vec
	}
	return &promCounter{vec: vec}
}

func (p *promCollector) Gauge(name, description string, labels ...string) charon.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: description}, labels)
		p.registry.MustRegister(vec)
		p.gauges[name] = vec
	}
	return &promGauge{vec: vec}
}

func (p *promCollector) Histogram(name, description string, buckets []float64, labels ...string) charon.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: description, Buckets: buckets}, labels)
		p.registry.MustRegister(vec)
		p.histograms[name] = vec
	}
	return &promHistogram{vec: vec}
}

type promCounter struct {
	vec *prometheus.CounterVec
}

func (c *promCounter) Inc(_ context.Context, labels ...string) {
	c.vec.WithLabelValues(labels...).Inc()
}

func (c *promCounter) Add(_ context.Context, value float64, labels ...string) {
	c.vec.WithLabelValues(labels...).Add(value)
}

type promGauge struct {
	vec *prometheus.GaugeVec
}

func (g *promGauge) Set(_ context.Context, value float64, labels ...string) {
	g.vec.WithLabelValues(labels...).Set(value)
}

func (g *promGauge) Inc(_ context.Context, labels ...string) {
	g.vec.WithLabelValues(labels...).Inc()
}

func (g *promGauge) Dec(_ context.Context, labels ...string) {
	g.vec.WithLabelValues(labels...).Dec()
}

type promHistogram struct {
	vec *prometheus.HistogramVec
}

func (h *promHistogram) Observe(_ context.Context, value float64, labels ...string) {
	h.vec.WithLabelValues(labels...).Observe(value)
}
