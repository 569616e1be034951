package api

import (
	"dashabr/internal/logger"
	"dashabr/internal/metrics"
	"dashabr/internal/models"
	"dashabr/internal/throughput"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// Source is the running session the API reports on.
type Source interface {
	Estimator() *throughput.Estimator
	Metrics() *metrics.Metrics
	IsLive() bool
}

type API struct {
	source Source
	logger logger.Logger
}

func New(source Source, log logger.Logger) http.Handler {
	api := &API{
		source: source,
		logger: log,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", api.handleHealth)
	mux.HandleFunc("GET /estimates", api.handleAllEstimates)
	mux.HandleFunc("GET /estimates/{mediaType}", api.handleEstimate)
	mux.Handle("GET /metrics", source.Metrics().Handler())

	return mux
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

func (a *API) handleAllEstimates(w http.ResponseWriter, r *http.Request) {
	isLive, err := a.liveParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	estimator := a.source.Estimator()
	estimates := make([]throughput.Estimate, 0)
	for _, mediaType := range estimator.MediaTypes() {
		estimates = append(estimates, estimator.Estimate(mediaType, isLive))
	}
	a.writeJSON(w, estimates)
}

func (a *API) handleEstimate(w http.ResponseWriter, r *http.Request) {
	mediaType := models.MediaType(r.PathValue("mediaType"))
	switch mediaType {
	case models.Video, models.Audio, models.Text:
	default:
		http.Error(w, fmt.Sprintf("Unknown media type %q", mediaType), http.StatusNotFound)
		return
	}

	isLive, err := a.liveParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.writeJSON(w, a.source.Estimator().Estimate(mediaType, isLive))
}

// liveParam reads ?live=, defaulting to the session's own stream type.
func (a *API) liveParam(r *http.Request) (bool, error) {
	raw := r.URL.Query().Get("live")
	if raw == "" {
		return a.source.IsLive(), nil
	}
	isLive, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid live parameter %q", raw)
	}
	return isLive, nil
}

func (a *API) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Errorf("Failed to write response: %v", err)
	}
}
