package gateway

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// proxyTimeout bounds one forwarded request.
const proxyTimeout = 30 * time.Second

// Workers resolves a service name to its base URL. Returns false for
// services with no running worker.
type Workers func(service domain.ServiceName) (string, bool)

// proxy forwards /api/{service}/* to the owning worker, stripping the
// service prefix and propagating X-User-ID.
type proxy struct {
	workers Workers
	metrics *Metrics
	log     zerolog.Logger
}

func newProxy(workers Workers, metrics *Metrics, log zerolog.Logger) *proxy {
	return &proxy{
		workers: workers,
		metrics: metrics,
		log:     log.With().Str("component", "proxy").Logger(),
	}
}

func (p *proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service, rest := splitServicePath(r.URL.Path)
	if !domain.ValidService(domain.ServiceName(service)) {
		writeErrorStatus(w, r, http.StatusNotFound, "unknown_service",
			"no such service: "+service, service)
		return
	}

	base, ok := p.workers(domain.ServiceName(service))
	if !ok {
		writeErrorStatus(w, r, http.StatusBadGateway, "worker_unavailable",
			"no running worker for "+service, service)
		return
	}
	target, err := url.Parse(base)
	if err != nil {
		writeErrorStatus(w, r, http.StatusInternalServerError, "config_error",
			"bad worker url", service)
		return
	}

	start := time.Now()
	p.metrics.Active.Inc()
	defer p.metrics.Active.Dec()

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = rest
			req.Host = target.Host
		},
		Transport: &http.Transport{ResponseHeaderTimeout: proxyTimeout},
		ModifyResponse: func(resp *http.Response) error {
			p.observe(r, service, resp.StatusCode, start)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.Error().Err(err).Str("service", service).Msg("proxy error")
			p.observe(r, service, http.StatusBadGateway, start)
			writeErrorStatus(w, r, http.StatusBadGateway, "upstream_error",
				err.Error(), service)
		},
	}
	rp.ServeHTTP(w, r)
}

func (p *proxy) observe(r *http.Request, service string, status int, start time.Time) {
	p.metrics.Requests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(status), service).Inc()
	p.metrics.Duration.WithLabelValues(service).Observe(time.Since(start).Seconds())
}

// splitServicePath turns /api/news/execute into ("news", "/execute").
func splitServicePath(path string) (string, string) {
	trimmed := strings.TrimPrefix(path, "/api/")
	parts := strings.SplitN(trimmed, "/", 2)
	service := parts[0]
	rest := "/"
	if len(parts) == 2 {
		rest = "/" + parts[1]
	}
	return service, rest
}
