// Package metrics exposes the prometheus collectors of an authority.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "narwhal"

// Metrics holds the collectors of one authority, registered on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	Epoch                 prometheus.Gauge
	CurrentRound          prometheus.Gauge
	DAGCertificates       prometheus.Gauge
	GCRound               prometheus.Gauge
	HeadersProposed       prometheus.Counter
	VotesReceived         prometheus.Counter
	CertificatesCreated   prometheus.Counter
	CertificatesInserted  prometheus.Counter
	BatchesSealed         prometheus.Counter
	FetchRetries          prometheus.Counter
	CommittedCertificates prometheus.Counter
	CommittedLeaders      prometheus.Counter
	LastCommittedRound    prometheus.Gauge
	ConsensusIndex        prometheus.Gauge
	InvalidMessages       *prometheus.CounterVec
}

// New creates the collectors labelled with the authority name.
func New(authority string) *Metrics {
	labels := prometheus.Labels{"authority": authority}
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		})
	}
	counter := func(subsystem, name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		})
	}
	m := &Metrics{
		registry:              prometheus.NewRegistry(),
		Epoch:                 gauge("epoch", "current", "Epoch of the committee in force."),
		CurrentRound:          gauge("primary", "current_round", "Round of the last proposed header."),
		DAGCertificates:       gauge("dag", "certificates", "Certificates held in the DAG."),
		GCRound:               gauge("dag", "gc_round", "Last garbage collected round."),
		HeadersProposed:       counter("primary", "headers_proposed_total", "Headers proposed."),
		VotesReceived:         counter("primary", "votes_received_total", "Valid votes received for our headers."),
		CertificatesCreated:   counter("primary", "certificates_created_total", "Certificates assembled from votes."),
		CertificatesInserted:  counter("dag", "certificates_inserted_total", "Certificates inserted in the DAG."),
		BatchesSealed:         counter("worker", "batches_sealed_total", "Batches sealed by the batch maker."),
		FetchRetries:          counter("synchronizer", "fetch_retries_total", "Failed fetch attempts."),
		CommittedCertificates: counter("consensus", "committed_certificates_total", "Certificates appended to the commit sequence."),
		CommittedLeaders:      counter("consensus", "committed_leaders_total", "Leaders committed."),
		LastCommittedRound:    gauge("consensus", "last_committed_round", "Round of the last committed leader."),
		ConsensusIndex:        gauge("consensus", "index", "Next index of the commit sequence."),
		InvalidMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "primary", Name: "invalid_messages_total",
			Help: "Messages discarded by validation.", ConstLabels: labels,
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		m.Epoch, m.CurrentRound, m.DAGCertificates, m.GCRound, m.HeadersProposed, m.VotesReceived,
		m.CertificatesCreated, m.CertificatesInserted, m.BatchesSealed, m.FetchRetries,
		m.CommittedCertificates, m.CommittedLeaders, m.LastCommittedRound, m.ConsensusIndex,
		m.InvalidMessages,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Router serves /metrics and /status, status being called on every request.
func (m *Metrics) Router(status func() interface{}) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}).Methods(http.MethodGet)
	return r
}

// Serve runs the HTTP endpoint on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, status func() interface{}, logger hclog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Router(status),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "address", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
