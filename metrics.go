// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package rpcmple

import (
	"expvar"

	"github.com/VictoriaMetrics/metrics"
)

// endpointMetrics record endpoint activity counters.
type endpointMetrics struct {
	msgRecv     expvar.Int
	msgSent     expvar.Int
	bytesRecv   expvar.Int
	bytesSent   expvar.Int
	callIn      expvar.Int // number of inbound calls received
	callInErr   expvar.Int // number of inbound calls reporting failure
	callOut     expvar.Int // number of outbound calls initiated
	callOutErr  expvar.Int // number of outbound calls reporting an error
	callPending expvar.Int // outbound
	published   expvar.Int // messages accepted by Publish
	delivered   expvar.Int // messages delivered to a subscriber callback
	dropped     expvar.Int // undecodable messages discarded by a lenient subscriber

	emap *expvar.Map
}

var rootMetrics = newEndpointMetrics()

// Metrics returns the process-wide map of endpoint metrics. The map is not
// published; callers may pass it to expvar.Publish.
func Metrics() *expvar.Map { return rootMetrics.emap }

func newEndpointMetrics() *endpointMetrics {
	em := &endpointMetrics{emap: new(expvar.Map)}
	em.emap.Set("messages_received", &em.msgRecv)
	em.emap.Set("messages_sent", &em.msgSent)
	em.emap.Set("bytes_received", &em.bytesRecv)
	em.emap.Set("bytes_sent", &em.bytesSent)
	em.emap.Set("calls_in", &em.callIn)
	em.emap.Set("calls_in_failed", &em.callInErr)
	em.emap.Set("calls_out", &em.callOut)
	em.emap.Set("calls_out_failed", &em.callOutErr)
	em.emap.Set("calls_pending", &em.callPending)
	em.emap.Set("published", &em.published)
	em.emap.Set("delivered", &em.delivered)
	em.emap.Set("dropped", &em.dropped)
	return em
}

// Prometheus-style metrics, exported by the default VictoriaMetrics set.
var (
	callDuration   = metrics.NewHistogram("rpcmple_call_duration_seconds")
	publishedTotal = metrics.NewCounter("rpcmple_published_total")
)
