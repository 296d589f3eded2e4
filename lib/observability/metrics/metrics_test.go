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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisterPrometheusCollectorsIsIdempotent(t *testing.T) {
	t.Parallel()

	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "uaip_hub_test_idempotent_total", Help: "test"})
	require.NoError(t, RegisterPrometheusCollectors(c))
	require.NoError(t, RegisterPrometheusCollectors(c))
}

func TestNewRouterMetricsRegistersCounters(t *testing.T) {
	t.Parallel()

	m, err := NewRouterMetrics()
	require.NoError(t, err)
	require.NotNil(t, m.Accepted)
	require.NotNil(t, m.Rejected)

	m.Accepted.WithLabelValues("normal", "at-most-once").Inc()
	require.Equal(t, float64(1), testutil.ToFloat64(m.Accepted.WithLabelValues("normal", "at-most-once")))
}

func TestNewQoSMetricsRegistersCounters(t *testing.T) {
	t.Parallel()

	m, err := NewQoSMetrics()
	require.NoError(t, err)
	require.NotNil(t, m.Deliveries)
	require.NotNil(t, m.Retries)
}

func TestNewAuthMetricsRegistersCounters(t *testing.T) {
	t.Parallel()

	m, err := NewAuthMetrics()
	require.NoError(t, err)
	require.NotNil(t, m.Attempts)
}

func TestNewCacheMetricsRegistersDistinctSubsystems(t *testing.T) {
	t.Parallel()

	m1, err := NewCacheMetrics("registry_cache_a")
	require.NoError(t, err)
	m2, err := NewCacheMetrics("registry_cache_b")
	require.NoError(t, err)

	m1.Hits.Inc()
	m2.Misses.Inc()

	require.Equal(t, float64(1), testutil.ToFloat64(m1.Hits))
	require.Equal(t, float64(1), testutil.ToFloat64(m2.Misses))
}
