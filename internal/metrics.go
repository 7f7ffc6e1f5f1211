package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Forwarding counters. Dropped packets are counted here rather than
// retried; the inner transport recovers end to end.
type telemetry struct {
	enabled bool
	mu      sync.RWMutex

	forwarded  map[string]uint64
	dropped    map[string]uint64
	errqueue   map[string]uint64
	admissions uint64
}

var (
	metricsMu sync.RWMutex
	metrics   = telemetry{}
)

// EnableMetrics switches counter collection on. Off by default so the
// hot path stays branch-cheap when nobody scrapes.
func EnableMetrics() {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if metrics.enabled {
		return
	}
	metrics.forwarded = make(map[string]uint64)
	metrics.dropped = make(map[string]uint64)
	metrics.errqueue = make(map[string]uint64)
	metrics.enabled = true
}

// StartMetricsServer serves the text exposition until ctx is cancelled.
func StartMetricsServer(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty metrics address")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metricsHandler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// observeForwarded counts a packet passed through in the given direction
// ("in" is wire-to-tun, "out" is tun-to-wire).
func observeForwarded(dir string, fam Family) {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.forwarded[fmt.Sprintf("dir=%s,family=%s", dir, fam)]++
}

// observeDrop counts a dropped packet by reason: short, lookup, policy,
// family, send.
func observeDrop(reason string) {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.dropped[fmt.Sprintf("reason=%s", reason)]++
}

func observeErrqueue(fam Family) {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.errqueue[fmt.Sprintf("family=%s", fam)]++
}

func observeAdmission() {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.admissions++
}

func metricsHandler(w http.ResponseWriter, _ *http.Request) {
	metricsMu.RLock()
	enabled := metrics.enabled
	metricsMu.RUnlock()
	if !enabled {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("# metrics disabled\n"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	metrics.mu.RLock()
	defer metrics.mu.RUnlock()

	writeCounterVec(w, "meshtun_packets_forwarded_total", metrics.forwarded)
	writeCounterVec(w, "meshtun_packets_dropped_total", metrics.dropped)
	writeCounterVec(w, "meshtun_errqueue_events_total", metrics.errqueue)
	fmt.Fprintf(w, "meshtun_peer_admissions_total %d\n", metrics.admissions)
}

func writeCounterVec(w http.ResponseWriter, name string, data map[string]uint64) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s} %d\n", name, toPromLabels(k), data[k])
	}
}

func toPromLabels(s string) string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		parts[i] = fmt.Sprintf("%s=%q", kv[0], kv[1])
	}
	return strings.Join(parts, ",")
}
