package gateway

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/directory"
	"github.com/querygate/querygate/orders"
	"github.com/querygate/querygate/ratelimiter"
	"github.com/querygate/querygate/telemetry"
	"github.com/rs/zerolog"
)

const maxRequestBodySize = 10 << 20

type OrdersService interface {
	GetOrders(ctx context.Context, deploymentId, apikey string, dictionary bool) *common.OrdersResult
	ReportHealth(ctx context.Context, report *orders.HealthReport) error
}

type QueryDispatcher interface {
	Dispatch(ctx context.Context, id, apikey string, body []byte) (*QueryResponse, error)
}

type AdmissionControl interface {
	Applies(path string, isProcedureCall bool) bool
	Consume(ctx context.Context, client string) error
}

// Handlers serves the gateway's routes on top of the order service, dispatcher and directory.
type Handlers struct {
	logger     *zerolog.Logger
	cfg        *common.Config
	orders     OrdersService
	dispatcher QueryDispatcher
	limiter    AdmissionControl
	channels   directory.ChannelProxy
}

func NewHandlers(
	logger *zerolog.Logger,
	cfg *common.Config,
	orders OrdersService,
	dispatcher QueryDispatcher,
	limiter AdmissionControl,
	channels directory.ChannelProxy,
) *Handlers {
	lg := logger.With().Str("component", "handlers").Logger()
	return &Handlers{
		logger:     &lg,
		cfg:        cfg,
		orders:     orders,
		dispatcher: dispatcher,
		limiter:    limiter,
		channels:   channels,
	}
}

type procedureCall struct {
	Method string `json:"method"`
}

func (h *Handlers) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	apikey := r.URL.Query().Get("apikey")

	body, err := queryBody(r)
	if err != nil {
		handleErrorResponse(h.logger, err, w)
		return
	}

	var call procedureCall
	_ = common.SonicCfg.Unmarshal(body, &call)
	if h.limiter != nil && h.limiter.Applies(r.URL.Path, call.Method != "") {
		client := ratelimiter.ClientAddress(r)
		if err := h.limiter.Consume(ctx, client); err != nil {
			telemetry.MetricRateLimitedTotal.WithLabelValues("/query").Inc()
			handleErrorResponse(h.logger, err, w)
			return
		}
	}

	resp, err := h.dispatcher.Dispatch(ctx, id, apikey, body)
	if err != nil {
		handleErrorResponse(h.logger, err, w)
		return
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Debug().Err(err).Msg("failed to write query response")
	}
}

// queryBody reads a POST body as is and turns GET query parameters into a JSON object. Parameters that
// hold JSON themselves (variables, params) are embedded decoded.
func queryBody(r *http.Request) ([]byte, error) {
	if r.Method != http.MethodGet {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
		if err != nil {
			return nil, common.NewErrInvalidRequest("failed to read request body: " + err.Error())
		}
		if len(body) > 0 && !common.SonicCfg.Valid(body) {
			return nil, common.NewErrInvalidRequest("request body is not valid json")
		}
		return body, nil
	}

	params := map[string]interface{}{}
	for key, values := range r.URL.Query() {
		if key == "apikey" || len(values) == 0 {
			continue
		}
		value := values[0]
		trimmed := strings.TrimSpace(value)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			var decoded interface{}
			if err := common.SonicCfg.UnmarshalFromString(trimmed, &decoded); err == nil {
				params[key] = decoded
				continue
			}
		}
		params[key] = value
	}
	return common.SonicCfg.Marshal(params)
}

func (h *Handlers) handleDeploymentOrders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.writeOrders(w, r, mux.Vars(r)["id"], false)
}

// handleDictionaryOrders maps a chain id to its dictionary deployment. An unknown chain yields the
// "no project found" result rather than an error.
func (h *Handlers) handleDictionaryOrders(w http.ResponseWriter, r *http.Request) {
	deploymentId, _ := h.cfg.DictionaryFor(mux.Vars(r)["chainId"])
	h.writeOrders(w, r, deploymentId, true)
}

func (h *Handlers) writeOrders(w http.ResponseWriter, r *http.Request, deploymentId string, dictionary bool) {
	res := h.orders.GetOrders(r.Context(), deploymentId, r.URL.Query().Get("apikey"), dictionary)
	if res == nil {
		handleErrorResponse(h.logger, common.NewErrGatewayRequest(common.GatewayCodeOrdersFailed, "Failed to get orders", r.Context().Err()), w)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, res)
}

func (h *Handlers) handleReportHealth(w http.ResponseWriter, r *http.Request) {
	var report orders.HealthReport
	if err := decodeBody(r, &report); err != nil {
		handleErrorResponse(h.logger, err, w)
		return
	}
	if err := h.orders.ReportHealth(r.Context(), &report); err != nil {
		h.logger.Error().Err(err).Str("indexer", report.Indexer).Msg("failed to report health")
		handleErrorResponse(h.logger, common.NewErrGatewayRequest(common.GatewayCodeHealthFailed, "Failed to report health: "+common.ErrorSummary(err), err), w)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]bool{"success": true})
}

type signRequest struct {
	Deployment string `json:"deployment"`
	ChannelId  string `json:"channelId"`
	Apikey     string `json:"apikey,omitempty"`
}

func (h *Handlers) handleChannelSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := decodeBody(r, &req); err != nil {
		handleErrorResponse(h.logger, err, w)
		return
	}
	auth, err := h.channels.SignChannel(r.Context(), req.Deployment, req.ChannelId, req.Apikey)
	if err != nil {
		handleErrorResponse(h.logger, common.NewErrGatewayRequest(common.GatewayCodeRequestFailed, "Failed to get channel state", err), w)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]string{"authorization": auth})
}

type stateRequest struct {
	directory.ChannelStateRequest
	ChannelId string `json:"channelId"`
	Apikey    string `json:"apikey,omitempty"`
}

func (h *Handlers) handleChannelState(w http.ResponseWriter, r *http.Request) {
	var req stateRequest
	if err := decodeBody(r, &req); err != nil {
		handleErrorResponse(h.logger, err, w)
		return
	}
	state, err := h.channels.SyncChannelState(r.Context(), req.ChannelId, req.Apikey, &req.ChannelStateRequest)
	if err != nil {
		handleErrorResponse(h.logger, common.NewErrGatewayRequest(common.GatewayCodeRequestFailed, "Failed to sync channel state", err), w)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, state)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func decodeBody(r *http.Request, target interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		return common.NewErrInvalidRequest("failed to read request body: " + err.Error())
	}
	if err := common.SonicCfg.Unmarshal(body, target); err != nil {
		return common.NewErrInvalidRequest("request body is not valid json")
	}
	return nil
}
