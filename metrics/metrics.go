// Package metrics exposes the prometheus collectors for the broadcast,
// agreement and dzk protocols, and a small HTTP server to serve them.
package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"github.com/drand/rbc/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PrivateMetrics about the internal world (go process, runtime stuff).
	PrivateMetrics = prometheus.NewRegistry()
	// ProtocolMetrics about the broadcast/agreement/dzk protocol surface.
	ProtocolMetrics = prometheus.NewRegistry()

	// InstancesActive tracks how many live ctrbc/ccbrb instances a process
	// currently holds state for, by protocol name.
	InstancesActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rbc_instances_active",
		Help: "Number of broadcast instances with live state, by protocol",
	}, []string{"protocol"})

	// MessagesReceived counts every wire message handled, by protocol and
	// message type (init/echo/ready).
	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rbc_messages_received_total",
		Help: "Number of broadcast protocol messages received",
	}, []string{"protocol", "message_type"})

	// MessagesSent counts every wire message sent out, by protocol and type.
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rbc_messages_sent_total",
		Help: "Number of broadcast protocol messages sent",
	}, []string{"protocol", "message_type"})

	// MACFailures counts messages dropped for failing MAC verification.
	MACFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rbc_mac_failures_total",
		Help: "Number of inbound messages dropped for MAC verification failure",
	}, []string{"peer"})

	// Terminations counts instance terminations, by protocol.
	Terminations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rbc_terminations_total",
		Help: "Number of broadcast instances that reached TERMINATED",
	}, []string{"protocol"})

	// ReconstructionFailures counts decode/interpolation failures.
	ReconstructionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rbc_reconstruction_failures_total",
		Help: "Number of times shard reconstruction failed degree or root verification",
	}, []string{"protocol"})

	// DZKProofsVerified counts dzk proof verifications, by variant and result.
	DZKProofsVerified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dzk_proofs_verified_total",
		Help: "Number of dzk proof verifications, by variant and result",
	}, []string{"variant", "result"})

	// DZKFoldingDepth observes how many recursive folding rounds a proof took.
	DZKFoldingDepth = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dzk_folding_depth",
		Help:    "Number of recursive folding rounds in a generated dzk proof",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	}, []string{})

	// AgreementTerminationCount tracks the running size of a leader's
	// consensus_inp_set, per agreement instance.
	AgreementTerminationCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agreement_termination_count",
		Help: "Size of the leader's termination set for an agreement instance",
	}, []string{"instance"})

	// AgreementBroadcastsStarted counts how many times an agreement instance
	// triggered its consensus-set broadcast.
	AgreementBroadcastsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agreement_broadcasts_started_total",
		Help: "Number of times an agreement leader started its consensus broadcast",
	}, []string{"instance"})

	metricsBound = false
)

func bindMetrics() error {
	if metricsBound {
		return nil
	}
	metricsBound = true

	if err := PrivateMetrics.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	if err := PrivateMetrics.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return err
	}

	protocol := []prometheus.Collector{
		InstancesActive,
		MessagesReceived,
		MessagesSent,
		MACFailures,
		Terminations,
		ReconstructionFailures,
		DZKProofsVerified,
		DZKFoldingDepth,
		AgreementTerminationCount,
		AgreementBroadcastsStarted,
	}
	for _, c := range protocol {
		if err := ProtocolMetrics.Register(c); err != nil {
			return err
		}
		if err := PrivateMetrics.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Start starts a prometheus metrics HTTP server bound to metricsBind.
func Start(metricsBind string) net.Listener {
	log.DefaultLogger().Debugw("", "metrics", "listener starting", "at", metricsBind)
	if err := bindMetrics(); err != nil {
		log.DefaultLogger().Warnw("", "metrics", "metric setup failed", "err", err)
		return nil
	}

	if !strings.Contains(metricsBind, ":") {
		metricsBind = "localhost:" + metricsBind
	}
	l, err := net.Listen("tcp", metricsBind)
	if err != nil {
		log.DefaultLogger().Warnw("", "metrics", "listen failed", "err", err)
		return nil
	}
	s := http.Server{Addr: l.Addr().String()}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))
	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, req *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})
	s.Handler = mux
	go func() {
		log.DefaultLogger().Warnw("", "metrics", "listen finished", "err", s.Serve(l))
	}()
	return l
}

// SetInstancesActive records the current live-instance count for a protocol.
func SetInstancesActive(protocol string, n int) {
	InstancesActive.WithLabelValues(protocol).Set(float64(n))
}

// SetAgreementTerminationCount records the current termination-set size for
// an agreement instance, keyed by its integer id.
func SetAgreementTerminationCount(instance int, n int) {
	AgreementTerminationCount.WithLabelValues(strconv.Itoa(instance)).Set(float64(n))
}
