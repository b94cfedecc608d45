/* Metrics.go: prometheus instrumentation of a Manager
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ipmi_session"

type metrics struct {
	registry    *prometheus.Registry
	sent        prometheus.Counter
	received    prometheus.Counter
	dropped     *prometheus.CounterVec
	retransmits prometheus.Counter
	timeouts    prometheus.Counter
	logins      *prometheus.CounterVec
	logged      prometheus.Gauge
}

// each Manager registers into its own registry so several can coexist
func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_sent_total",
			Help:      "Frames transmitted to BMCs.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "responses_total",
			Help:      "IPMI responses matched to a request.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_frames_total",
			Help:      "Received frames discarded, by reason.",
		}, []string{"reason"}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retransmits_total",
			Help:      "Retries triggered by the retry timer.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "timeouts_total",
			Help:      "Payloads abandoned after exhausting retries.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logins_total",
			Help:      "Session establishment attempts, by result.",
		}, []string{"result"}),
		logged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "logged_sessions",
			Help:      "Sessions currently logged in.",
		}),
	}
	m.registry.MustRegister(m.sent, m.received, m.dropped, m.retransmits, m.timeouts, m.logins, m.logged)
	return m
}
