package edge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"gomobi-edge/internal/metrics"
	"gomobi-edge/internal/offline"
)

const controlPrefix = "/__offline"

const maxMessageBytes = 4 << 10

type workerStatus struct {
	Generation string `json:"generation"`
	State      string `json:"state"`
}

type storeStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

type statusReport struct {
	Generation string        `json:"generation"`
	Controller string        `json:"controller,omitempty"`
	Installing *workerStatus `json:"installing,omitempty"`
	Waiting    *workerStatus `json:"waiting,omitempty"`
	Active     *workerStatus `json:"active,omitempty"`
	Stores     []storeStatus `json:"stores"`
}

func newWorkerStatus(w *offline.Worker) *workerStatus {
	if w == nil {
		return nil
	}
	return &workerStatus{Generation: w.Generation(), State: w.State().String()}
}

// handleMessage receives SKIP_WAITING and CLEAR_CACHE from pages.
func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "read message", http.StatusBadRequest)
		return
	}
	msg, err := offline.ParseMessage(b)
	if err != nil {
		metrics.ControlMessages.WithLabelValues("invalid").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	metrics.ControlMessages.WithLabelValues(string(msg.Type)).Inc()

	log := LogRequest(s.log, r).WithField("message", msg.Type)
	if err := s.reg.PostMessage(r.Context(), msg); err != nil {
		if errors.Is(err, offline.ErrNoWorker) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		log.WithError(err).Error("control message failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.updateGenerationGauge()
	log.Info("control message handled")
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdate re-runs registration, installing the configured generation if
// it is not active yet.
func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.register(r.Context()); err != nil {
		LogRequest(s.log, r).WithError(err).Error("update failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.handleStatus(w, r)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.status(r.Context())
	if err != nil {
		LogRequest(s.log, r).WithError(err).Error("status failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(report)
}

func (s *Service) status(ctx context.Context) (statusReport, error) {
	report := statusReport{
		Generation: s.cfg.Cache.Generation,
		Installing: newWorkerStatus(s.reg.Installing()),
		Waiting:    newWorkerStatus(s.reg.Waiting()),
		Active:     newWorkerStatus(s.reg.Active()),
		Stores:     []storeStatus{},
	}
	if c := s.reg.Controller(); c != nil {
		report.Controller = c.Generation()
	}

	names, err := s.storage.Keys(ctx)
	if err != nil {
		return statusReport{}, err
	}
	for _, name := range names {
		st, err := s.storage.Lookup(ctx, name)
		if errors.Is(err, offline.ErrStoreNotFound) {
			// deleted while we were looking
			continue
		}
		if err != nil {
			return statusReport{}, err
		}
		keys, err := st.Keys(ctx)
		if errors.Is(err, offline.ErrStoreNotFound) {
			continue
		}
		if err != nil {
			return statusReport{}, err
		}
		report.Stores = append(report.Stores, storeStatus{Name: name, Entries: len(keys), Bytes: st.Size()})
	}
	return report, nil
}
