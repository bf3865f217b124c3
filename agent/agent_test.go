package agent

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/alertcore/agent/internal/config"
	"github.com/pilot-net/alertcore/pkg/types"
)

func TestAgentShipsScrapedSamples(t *testing.T) {
	exporter := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# TYPE node_cpu_utilisation gauge\nnode_cpu_utilisation{cpu=\"0\"} 97\n"))
	}))
	defer exporter.Close()

	var (
		mu       sync.Mutex
		received []types.SampleBatch
	)
	controlPlane := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/health":
			w.Write([]byte(`{"status":"ok"}`))
		case "/api/v1/samples":
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			var batch types.SampleBatch
			if err := json.NewDecoder(gz).Decode(&batch); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			mu.Lock()
			received = append(received, batch)
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
		default:
			http.NotFound(w, r)
		}
	}))
	defer controlPlane.Close()

	cfg := config.DefaultConfig()
	cfg.ControlPlane.URL = controlPlane.URL
	cfg.Agent.Name = "edge-01"
	cfg.Targets = []config.TargetConfig{{Name: "node", URL: exporter.URL}}
	cfg.Mappings = []config.MappingConfig{{Metric: "node_cpu_utilisation", RuleID: "cpu-high"}}

	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// The first scrape runs immediately; shutdown flushes it.
	deadline := time.Now().Add(2 * time.Second)
	for a.scheduler.Stats().Samples == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) == 0 {
		t.Fatal("control plane received no batches")
	}
	batch := received[0]
	if batch.SourceID != "edge-01" || len(batch.Samples) != 1 {
		t.Fatalf("batch = %+v", batch)
	}
	if s := batch.Samples[0]; s.RuleID != "cpu-high" || s.Value != 97 || s.Labels["job"] != "node" {
		t.Errorf("sample = %+v", s)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(config.DefaultConfig(), nil); err == nil {
		t.Error("expected error for config without control plane or targets")
	}
}
