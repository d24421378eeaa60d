package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"portaljobs/internal/domain"
	"portaljobs/internal/jobs"
	"portaljobs/internal/metrics"
	"portaljobs/internal/scheduler"
)

type Runner interface {
	Run(ctx context.Context, name string) (jobs.Outcome, error)
	RunAll(ctx context.Context) ([]jobs.Outcome, error)
	Has(name string) bool
}

type ExecutionLister interface {
	ListExecutions(ctx context.Context, jobName string, limit int) ([]domain.ExecutionRecord, error)
}

type Options struct {
	// TriggerSecret is compared against the key query parameter.
	TriggerSecret string
	// AllowedIPs are addresses or CIDR ranges that may trigger without a key.
	AllowedIPs []string
	// TrustedProxies are peers whose X-Forwarded-For and X-Real-IP headers
	// are believed. Requests from anyone else are judged by the socket peer.
	TrustedProxies []string
	Gatherer       prometheus.Gatherer
	// Schedules lists the in-process cron entries, when a scheduler runs.
	Schedules func() []scheduler.Entry
	Now       func() time.Time
}

type Server struct {
	r       *chi.Mux
	runner  Runner
	execs   ExecutionLister
	secret  string
	allowed []*net.IPNet
	proxies []*net.IPNet
	opts    Options
	now     func() time.Time
}

func NewServer(runner Runner, execs ExecutionLister, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, runner: runner, execs: execs, secret: opts.TriggerSecret, opts: opts, now: opts.Now}
	if s.now == nil {
		s.now = time.Now
	}
	s.allowed = parseAllowList(opts.AllowedIPs)
	s.proxies = parseAllowList(opts.TrustedProxies)

	r.Get("/health", s.health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(opts.Gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authorize)
		r.Get("/cron/all", s.triggerAll)
		r.Post("/cron/all", s.triggerAll)
		r.Get("/cron/{job}", s.trigger)
		r.Post("/cron/{job}", s.trigger)
		r.Get("/executions", s.listExecutions)
		r.Get("/schedules", s.listSchedules)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// authorize admits callers presenting the trigger secret or calling from an
// allow-listed address.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret != "" {
			key := r.URL.Query().Get("key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.secret)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		if ip := s.clientIP(r); ip != nil && containsIP(s.allowed, ip) {
			next.ServeHTTP(w, r)
			return
		}
		log.Warn().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("rejected unauthorized trigger")
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	})
}

type triggerResp struct {
	Status         string        `json:"status"`
	Timestamp      string        `json:"timestamp"`
	ProcessedCount int           `json:"processedCount"`
	Message        string        `json:"message"`
	Results        []triggerResp `json:"results,omitempty"`
	Job            string        `json:"job,omitempty"`
}

func (s *Server) resp(o jobs.Outcome) triggerResp {
	return triggerResp{
		Job:            o.Job,
		Status:         string(o.Status),
		Timestamp:      s.now().UTC().Format(time.RFC3339),
		ProcessedCount: o.Processed,
		Message:        o.Message,
	}
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	if !s.runner.Has(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job"})
		return
	}
	out, err := s.runner.Run(r.Context(), name)
	if err != nil {
		log.Error().Err(err).Str("job", name).Msg("trigger failed")
		out = jobs.Outcome{Job: name, Status: jobs.StatusError, Message: "job failed"}
	}
	writeJSON(w, http.StatusOK, s.resp(out))
}

func (s *Server) triggerAll(w http.ResponseWriter, r *http.Request) {
	outs, err := s.runner.RunAll(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("combined trigger reported an error")
	}

	agg := triggerResp{Timestamp: s.now().UTC().Format(time.RFC3339)}
	failed, busy := 0, 0
	for _, o := range outs {
		agg.ProcessedCount += o.Processed
		agg.Results = append(agg.Results, s.resp(o))
		switch o.Status {
		case jobs.StatusError:
			failed++
		case jobs.StatusBusy:
			busy++
		}
	}
	switch {
	case failed > 0:
		agg.Status = string(jobs.StatusError)
		agg.Message = strconv.Itoa(failed) + " of " + strconv.Itoa(len(outs)) + " jobs failed"
	case busy == len(outs) && busy > 0:
		agg.Status = string(jobs.StatusBusy)
		agg.Message = "already running"
	default:
		agg.Status = string(jobs.StatusSuccess)
		agg.Message = strconv.Itoa(len(outs)-busy) + " jobs completed"
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	recs, err := s.execs.ListExecutions(r.Context(), r.URL.Query().Get("job"), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if recs == nil {
		recs = []domain.ExecutionRecord{}
	}
	writeJSON(w, 200, recs)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.opts.Schedules == nil {
		writeJSON(w, 200, []scheduler.Entry{})
		return
	}
	writeJSON(w, 200, s.opts.Schedules())
}

func parseAllowList(entries []string) []*net.IPNet {
	var out []*net.IPNet
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, n, err := net.ParseCIDR(e); err == nil {
			out = append(out, n)
			continue
		}
		ip := net.ParseIP(e)
		if ip == nil {
			log.Warn().Str("entry", e).Msg("ignoring invalid allow-list entry")
			continue
		}
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

// clientIP is the socket peer, unless the peer is a trusted proxy. Then the
// forwarding headers are walked right to left and the first address that is
// not itself a trusted proxy is the client.
func (s *Server) clientIP(r *http.Request) net.IP {
	peer := peerIP(r)
	if peer == nil || !containsIP(s.proxies, peer) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			ip := net.ParseIP(strings.TrimSpace(hops[i]))
			if ip == nil {
				return peer
			}
			if !containsIP(s.proxies, ip) {
				return ip
			}
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip
	}
	return peer
}

func peerIP(r *http.Request) net.IP {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return net.ParseIP(host)
}

func containsIP(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
