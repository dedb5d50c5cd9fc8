package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"CDPLedger/internal/command"
	"CDPLedger/internal/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const APIPrefix = "/api/v1"

type RouterDeps struct {
	Service       *Service
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Gatherer      prometheus.Gatherer
	Limiter       *rate.Limiter
	Logger        zerolog.Logger
}

// NewRouter serves health and metrics at the root and the JSON API under
// /api/v1. The API mux calls the service in-process.
func NewRouter(deps RouterDeps) (http.Handler, error) {
	gw, err := newGatewayMux(deps.Service, deps.Metrics, deps.Logger)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if deps.HealthChecker != nil {
		r.Get("/healthz", deps.HealthChecker.LivenessHandler)
		r.Get("/readyz", deps.HealthChecker.ReadinessHandler)
	}
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.With(rateLimit(deps.Limiter, deps.Metrics)).Handle(APIPrefix+"/*", gw)
	return r, nil
}

func rateLimit(limiter *rate.Limiter, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil && !limiter.Allow() {
				if metrics != nil {
					metrics.RateLimited.Inc()
				}
				writeError(w, status.Error(codes.ResourceExhausted, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type apiFunc func(r *http.Request, params map[string]string) (any, error)

type route struct {
	method  string
	pattern string
	fn      apiFunc
}

func newGatewayMux(svc *Service, metrics *observability.Metrics, logger zerolog.Logger) (*runtime.ServeMux, error) {
	routes := []route{
		{http.MethodPost, APIPrefix + "/commands/{operation}", func(r *http.Request, p map[string]string) (any, error) {
			op, err := command.ParseOperation(p["operation"])
			if err != nil {
				return nil, status.Error(codes.NotFound, err.Error())
			}
			var req command.Request
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "parse body: %v", err)
			}
			return svc.Execute(r.Context(), op, &req)
		}},
		{http.MethodGet, APIPrefix + "/accounts/{user}", func(r *http.Request, p map[string]string) (any, error) {
			return svc.Account(r.Context(), &UserRequest{User: p["user"]})
		}},
		{http.MethodGet, APIPrefix + "/parameters", func(r *http.Request, _ map[string]string) (any, error) {
			return svc.Parameters(r.Context(), &Empty{})
		}},
		{http.MethodGet, APIPrefix + "/positions/{user}", func(r *http.Request, p map[string]string) (any, error) {
			return svc.Position(r.Context(), &UserRequest{User: p["user"]})
		}},
		{http.MethodGet, APIPrefix + "/liquidations/{user}", func(r *http.Request, p map[string]string) (any, error) {
			req, err := listRequest(r, p["user"])
			if err != nil {
				return nil, err
			}
			return svc.Liquidations(r.Context(), req)
		}},
		{http.MethodGet, APIPrefix + "/history/{user}", func(r *http.Request, p map[string]string) (any, error) {
			req, err := listRequest(r, p["user"])
			if err != nil {
				return nil, err
			}
			return svc.History(r.Context(), req)
		}},
		{http.MethodGet, APIPrefix + "/admin/integrity", func(r *http.Request, _ map[string]string) (any, error) {
			return svc.VerifyIntegrity(r.Context(), &Empty{})
		}},
	}

	mux := runtime.NewServeMux()
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, instrument(rt, metrics, logger)); err != nil {
			return nil, fmt.Errorf("route %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

func instrument(rt route, metrics *observability.Metrics, logger zerolog.Logger) runtime.HandlerFunc {
	label := rt.method + " " + rt.pattern
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := rt.fn(r, params)
		code := http.StatusOK
		if err != nil {
			code = writeError(w, err)
			if code >= http.StatusInternalServerError {
				logger.Error().Err(err).Str("route", label).Msg("request failed")
			}
		} else {
			writeJSON(w, code, resp)
		}
		if metrics != nil {
			metrics.RequestsTotal.WithLabelValues(label, strconv.Itoa(code)).Inc()
			metrics.RequestDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		}
	}
}

func listRequest(r *http.Request, user string) (*ListRequest, error) {
	req := &ListRequest{User: user}
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid limit: %q", s)
		}
		req.Limit = n
	}
	if s := q.Get("before_sequence"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid before_sequence: %q", s)
		}
		req.BeforeSequence = &n
	}
	return req, nil
}

// errorBody is the JSON error form of the HTTP API.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes err with the HTTP status of its gRPC code.
func writeError(w http.ResponseWriter, err error) int {
	st := status.Convert(toStatus(err))
	code := runtime.HTTPStatusFromCode(st.Code())
	writeJSON(w, code, errorBody{Code: st.Code().String(), Message: st.Message()})
	return code
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
