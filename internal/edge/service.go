package edge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"gomobi-edge/internal/metrics"
	"gomobi-edge/internal/offline"
)

// CacheHeader tells the client which branch answered the request.
const CacheHeader = "X-Gomobi-Cache"

// Service is the offline edge in front of the Go Mobi origin.
type Service struct {
	cfg Config
	log *logrus.Logger

	storage offline.Storage
	origin  *originFetcher
	reg     *offline.Registration

	stats *statsCollector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config, log *logrus.Logger) (*Service, error) {
	storage, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	origin := newOriginFetcher(cfg.Server.Origin, cfg.originTimeout)
	s := &Service{
		cfg:     cfg,
		log:     log,
		storage: storage,
		origin:  origin,
		reg:     offline.NewRegistration(storage, origin, cfg.Options(), log, metrics.Observer{}),
		stats:   newStatsCollector(),
		stopCh:  make(chan struct{}),
	}

	if cfg.statsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.statsEveryDur)
		}()
	}
	return s, nil
}

func openStorage(cfg Config) (offline.Storage, error) {
	switch cfg.Storage.Driver {
	case DriverMemory:
		return offline.NewMemoryStorage(), nil
	case DriverLevelDB:
		return offline.OpenLevelDB(cfg.Storage.Path, cfg.leveldbOptions())
	}
	return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
}

// Start registers the configured cache generation. An install failure is
// returned, but the service stays usable: requests are served by the
// previous generation, or passed through when there is none.
func (s *Service) Start(ctx context.Context) error {
	return s.register(ctx)
}

func (s *Service) register(ctx context.Context) error {
	err := s.reg.Register(ctx)
	if err != nil {
		metrics.Installs.WithLabelValues("error").Inc()
	} else {
		metrics.Installs.WithLabelValues("ok").Inc()
	}
	s.updateGenerationGauge()
	return err
}

func (s *Service) updateGenerationGauge() {
	metrics.ActiveGeneration.Reset()
	if w := s.reg.Controller(); w != nil {
		metrics.ActiveGeneration.WithLabelValues(w.Generation()).Set(1)
	}
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.reg.Wait()
	if err := s.storage.Close(); err != nil {
		s.log.WithError(err).Warn("close storage")
	}
}

// Registration exposes the worker host, mainly for tests.
func (s *Service) Registration() *offline.Registration {
	return s.reg
}

func (s *Service) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(controlPrefix+"/message", s.handleMessage).Methods(http.MethodPost)
	r.HandleFunc(controlPrefix+"/update", s.handleUpdate).Methods(http.MethodPost)
	r.HandleFunc(controlPrefix+"/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle(controlPrefix+"/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.handle)
	return r
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	req := offline.FromHTTP(r)
	res, err := s.reg.Fetch(r.Context(), req)
	if err != nil {
		LogRequest(s.log, r).WithError(err).Error("fetch handler failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	metrics.Requests.WithLabelValues(string(res.Outcome)).Inc()

	if res.Outcome == offline.OutcomePassthrough {
		s.proxyPass(w, r, req)
		return
	}

	defer res.Response.Close()
	writeResponse(w, res.Response, string(res.Outcome))
	switch res.Outcome {
	case offline.OutcomeHit, offline.OutcomeMiss:
		s.stats.Observe(res.Response.Body.Len())
	}
}

// proxyPass forwards a request the worker did not intercept.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request, req *offline.Request) {
	resp, err := s.origin.Fetch(r.Context(), req)
	if err != nil {
		metrics.OriginFailures.Inc()
		LogRequest(s.log, r).WithError(err).Warn("origin unreachable")
		setCacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Close()
	writeResponse(w, resp, string(offline.OutcomePassthrough))
}

func writeResponse(w http.ResponseWriter, resp *offline.Response, outcome string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, CacheHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), outcome)
	w.WriteHeader(resp.Status)
	if resp.Body != nil {
		_, _ = w.Write(resp.Body.Bytes())
	}
}

func setCacheHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(CacheHeader, outcome)
	}
	// Pages reading the header from script need it exposed under CORS.
	ensureExposedHeader(h, CacheHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
