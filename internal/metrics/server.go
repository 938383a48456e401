package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fisaks/fieldnode/internal/logging"
	"github.com/fisaks/fieldnode/internal/pump"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Probes are the live views the HTTP endpoint reports on.
type Probes struct {
	NodeID      string
	Connected   func() bool
	PumpStatus  func() pump.Status
	RequestRead func() bool
}

type healthStatus struct {
	Status          string  `json:"status"`
	NodeID          string  `json:"device_uid"`
	MQTTConnected   bool    `json:"mqtt_connected"`
	PumpState       string  `json:"pump_state"`
	PumpActive      bool    `json:"pump_active"`
	HardwarePresent bool    `json:"hardware_present"`
	RunID           string  `json:"run_id,omitempty"`
	RunRemainingSec float64 `json:"run_remaining_sec,omitempty"`
}

func NewHandler(gatherer prometheus.Gatherer, p Probes) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := healthStatus{NodeID: p.NodeID}
		if p.Connected != nil {
			st.MQTTConnected = p.Connected()
		}
		if p.PumpStatus != nil {
			ps := p.PumpStatus()
			st.PumpState = ps.State.String()
			st.PumpActive = ps.Active
			st.HardwarePresent = ps.HardwarePresent
			if ps.Run != nil {
				st.RunID = ps.Run.ID
				left := ps.Run.Duration - time.Since(ps.Run.Started)
				st.RunRemainingSec = max(left, 0).Round(time.Second).Seconds()
			}
		}
		switch {
		case st.MQTTConnected && st.HardwarePresent:
			st.Status = "ok"
		case st.MQTTConnected:
			st.Status = "degraded"
		default:
			st.Status = "down"
		}
		w.Header().Set("Content-Type", "application/json")
		if st.Status == "down" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/read", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if p.RequestRead == nil {
			http.Error(w, "manual read not available", http.StatusServiceUnavailable)
			return
		}
		queued := p.RequestRead()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]bool{"queued": queued})
	})
	return mux
}

// Serve runs the endpoint until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("metrics endpoint listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
