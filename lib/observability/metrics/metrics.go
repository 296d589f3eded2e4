/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics provides shared prometheus collector registration
// helpers used by every component that exposes metrics (spec §10
// ambient stack "Metrics").
package metrics

import (
	"errors"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPrometheusCollectors registers each collector with the
// default prometheus registry, tolerating a collector that's already
// registered (idempotent registration lets a component's init-time
// registration run safely more than once, e.g. across table-driven
// tests that construct the component repeatedly).
func RegisterPrometheusCollectors(collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			var alreadyRegistered prometheus.AlreadyRegisteredError
			if errors.As(err, &alreadyRegistered) {
				continue
			}
			return trace.Wrap(err)
		}
	}
	return nil
}

// RouterMetrics are the envelope counters the Router registers,
// broken down by priority/qos/outcome (spec §10 "The router and QoS
// engine register envelope counters by priority/qos/outcome").
type RouterMetrics struct {
	Accepted *prometheus.CounterVec
	Rejected *prometheus.CounterVec
}

// NewRouterMetrics builds and registers the Router's counters.
func NewRouterMetrics() (*RouterMetrics, error) {
	m := &RouterMetrics{
		Accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uaip_hub",
			Subsystem: "router",
			Name:      "envelopes_accepted_total",
			Help:      "Number of envelopes accepted by the router, by priority and qos.",
		}, []string{"priority", "qos"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uaip_hub",
			Subsystem: "router",
			Name:      "envelopes_rejected_total",
			Help:      "Number of envelopes rejected by the router, by reason kind.",
		}, []string{"kind"}),
	}
	if err := RegisterPrometheusCollectors(m.Accepted, m.Rejected); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

// QoSMetrics are the delivery-outcome counters the QoS Engine
// registers, broken down by qos level and terminal outcome kind.
type QoSMetrics struct {
	Deliveries *prometheus.CounterVec
	Retries    *prometheus.CounterVec
}

// NewQoSMetrics builds and registers the QoS Engine's counters.
func NewQoSMetrics() (*QoSMetrics, error) {
	m := &QoSMetrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uaip_hub",
			Subsystem: "qos",
			Name:      "deliveries_total",
			Help:      "Number of terminal delivery outcomes, by qos level and outcome kind.",
		}, []string{"qos", "kind"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uaip_hub",
			Subsystem: "qos",
			Name:      "retries_total",
			Help:      "Number of delivery retry attempts, by qos level.",
		}, []string{"qos"}),
	}
	if err := RegisterPrometheusCollectors(m.Deliveries, m.Retries); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

// AuthMetrics are the auth-attempt counters the Auth Gate registers,
// broken down by result kind.
type AuthMetrics struct {
	Attempts *prometheus.CounterVec
}

// NewAuthMetrics builds and registers the Auth Gate's counters.
func NewAuthMetrics() (*AuthMetrics, error) {
	m := &AuthMetrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uaip_hub",
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Number of authentication attempts, by result kind.",
		}, []string{"kind"}),
	}
	if err := RegisterPrometheusCollectors(m.Attempts); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

// CacheMetrics are the hit/miss counters the registry cache registers.
type CacheMetrics struct {
	Hits   prometheus.Counter
	Misses prometheus.Counter
}

// NewCacheMetrics builds and registers the registry cache's hit and miss
// counters.
func NewCacheMetrics(subsystem string) (*CacheMetrics, error) {
	m := &CacheMetrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uaip_hub",
			Subsystem: subsystem,
			Name:      "hits_total",
			Help:      "Number of cache lookups that found a fresh entry.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uaip_hub",
			Subsystem: subsystem,
			Name:      "misses_total",
			Help:      "Number of cache lookups that found no entry or a stale one.",
		}),
	}
	if err := RegisterPrometheusCollectors(m.Hits, m.Misses); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}
