package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/telemetry"
	"github.com/querygate/querygate/tracing"
	"github.com/rs/zerolog"
)

const requestIdHeader = "X-Request-Id"

type requestIdKey struct{}

func RequestIdFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIdKey{}).(string)
	return id
}

type HttpServer struct {
	config *common.ServerConfig
	server *http.Server
	logger *zerolog.Logger
}

func NewHttpServer(ctx context.Context, logger *zerolog.Logger, cfg *common.ServerConfig, handlers *Handlers) *HttpServer {
	addr := fmt.Sprintf("%s:%d", cfg.HttpHost, cfg.HttpPort)
	lg := logger.With().Str("component", "httpServer").Logger()

	srv := &HttpServer{
		config: cfg,
		logger: &lg,
	}

	var handler http.Handler = handlers.Router()
	if cfg.EnableGzip != nil && *cfg.EnableGzip {
		handler = gzhttp.GzipHandler(handler)
	}
	handler = withRequestId(handler)

	srv.server = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.ReadTimeout != nil {
		srv.server.ReadTimeout = cfg.ReadTimeout.Duration()
	}
	if cfg.WriteTimeout != nil {
		srv.server.WriteTimeout = cfg.WriteTimeout.Duration()
	}

	go func() {
		<-ctx.Done()
		lg.Info().Msg("shutting down http server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			lg.Error().Msgf("http server forced to shutdown: %s", err)
		} else {
			lg.Info().Msg("http server stopped")
		}
	}()

	return srv
}

func (s *HttpServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HttpServer) Start() error {
	s.logger.Info().Msgf("starting http server on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *HttpServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func withRequestId(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIdHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIdHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIdKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// instrument records the route's status metric and span and turns panics into a 500.
func (h *Handlers) instrument(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestId := RequestIdFrom(r.Context())
		ctx, span := tracing.StartHTTPServerSpan(r.Context(), r, route, requestId)
		tracing.InjectHTTPResponseTraceContext(ctx, w)
		rec := &statusRecorder{ResponseWriter: w}

		defer func() {
			if rv := recover(); rv != nil {
				telemetry.MetricUnexpectedPanicTotal.WithLabelValues("http-handler", route, fmt.Sprintf("%v", rv)).Inc()
				h.logger.Error().Str("route", route).Str("requestId", requestId).Interface("panic", rv).Msg("unexpected panic in http handler")
				if rec.status == 0 {
					rec.err = fmt.Errorf("panic: %v", rv)
					handleErrorResponse(h.logger, common.NewErrGatewayRequest(common.GatewayCodeRequestFailed, "unexpected server error", rec.err), rec)
				}
			}
			telemetry.MetricHttpRequestTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			tracing.EndHTTPServerSpan(span, rec.status, rec.err)
		}()

		h.logger.Debug().Str("route", route).Str("requestId", requestId).Str("method", r.Method).Msg("received request")
		fn(rec, r.WithContext(ctx))
	}
}

func writeJSON(logger *zerolog.Logger, w http.ResponseWriter, status int, body interface{}) {
	raw, err := common.SonicCfg.Marshal(body)
	if err != nil {
		handleErrorResponse(logger, err, w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(raw); err != nil {
		logger.Debug().Err(err).Msg("failed to write response body")
	}
}

func handleErrorResponse(logger *zerolog.Logger, err error, w http.ResponseWriter) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.err = err
	}
	if common.HasErrorCode(err, common.ErrCodeRateLimitExceeded, common.ErrCodeInvalidRequest) {
		logger.Debug().Err(err).Msg("request rejected")
	} else {
		logger.Error().Err(err).Msg("request failed")
	}

	status := http.StatusInternalServerError
	var httpErr common.ErrorWithStatusCode
	if errors.As(err, &httpErr) {
		status = httpErr.ErrorStatusCode()
	}

	var body interface{}
	var bodyErr common.ErrorWithBody
	if errors.As(err, &bodyErr) {
		body = bodyErr.ErrorResponseBody()
	} else {
		body = common.GatewayErrorBody{Code: common.GatewayCodeRequestFailed, Error: common.ErrorSummary(err)}
	}

	raw, mErr := common.SonicCfg.Marshal(body)
	if mErr != nil {
		logger.Error().Err(mErr).Msg("failed to encode error response body")
		raw = []byte(`{"code":2000,"error":"unexpected server error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, wErr := w.Write(raw); wErr != nil {
		logger.Debug().Err(wErr).Msg("failed to write error response body")
	}
}

// Router exposes the routes without the transport middleware, mostly for tests.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/query/{id}", h.instrument("/query", h.handleQuery)).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/mx/query/{id}", h.instrument("/mx/query", h.handleQuery)).Methods(http.MethodGet, http.MethodPost)

	r.HandleFunc("/orders/deployment/{id}", h.instrument("/orders/deployment", h.handleDeploymentOrders)).Methods(http.MethodGet)
	r.HandleFunc("/orders/dictionary/{chainId}", h.instrument("/orders/dictionary", h.handleDictionaryOrders)).Methods(http.MethodGet)
	r.HandleFunc("/orders/health", h.instrument("/orders/health", h.handleReportHealth)).Methods(http.MethodPost)

	r.HandleFunc("/channel/sign", h.instrument("/channel/sign", h.handleChannelSign)).Methods(http.MethodPost)
	r.HandleFunc("/channel/state", h.instrument("/channel/state", h.handleChannelState)).Methods(http.MethodPost)

	r.HandleFunc("/health", h.instrument("/health", h.handleHealth))

	return r
}
