package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskrelay/internal/resilience/circuitbreaker"
)

// CircuitStatus is one breaker in the /circuits response.
type CircuitStatus struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// CircuitsResponse lists every breaker the worker has created.
type CircuitsResponse struct {
	Open     int             `json:"open"`
	Circuits []CircuitStatus `json:"circuits"`
}

// newMetricsMux serves /metrics and a /circuits snapshot of the HTTP breaker
// group plus any extra named breakers (queue and job store databases).
func newMetricsMux(group *circuitbreaker.Group, extra ...*circuitbreaker.CircuitBreaker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/circuits", circuitsHandler(group, extra))
	return mux
}

func circuitsHandler(group *circuitbreaker.Group, extra []*circuitbreaker.CircuitBreaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var breakers []*circuitbreaker.CircuitBreaker
		if group != nil {
			for _, key := range group.Keys() {
				breakers = append(breakers, group.Get(key))
			}
		}
		breakers = append(breakers, extra...)

		resp := CircuitsResponse{Circuits: make([]CircuitStatus, 0, len(breakers))}
		for _, cb := range breakers {
			if cb == nil {
				continue
			}
			if cb.IsOpen() {
				resp.Open++
			}
			resp.Circuits = append(resp.Circuits, CircuitStatus{
				Name:                cb.Name(),
				State:               cb.State().String(),
				ConsecutiveFailures: cb.Counts().ConsecutiveFailures,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// runMetricsServer serves handler on port until ctx is cancelled, then shuts
// down within 5 seconds.
func runMetricsServer(ctx context.Context, logger *slog.Logger, port int, handler http.Handler) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", slog.Any("error", err))
		}
	}()

	logger.Info("metrics server starting", slog.Int("port", port))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	logger.Info("metrics server stopped")
	return nil
}
