package mint

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/mosaic/internal/infra/telemetry"
)

const maxRequestBytes int64 = 16 << 10

// HandlerOptions configures the trusted minting endpoint.
type HandlerOptions struct {
	Minter  Minter
	Rate    float64
	Burst   int
	Timeout time.Duration
	Logger  *log.Logger
	Metrics *telemetry.MintMetrics
}

// Handler serves POST requests and forwards validated payloads to a Minter.
type Handler struct {
	minter  Minter
	limiter *rate.Limiter
	timeout time.Duration
	logger  *log.Logger
	metrics *telemetry.MintMetrics
}

// NewHandler builds the endpoint. A non-positive rate disables limiting.
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Minter == nil {
		return nil, errors.New("mint: minter required")
	}
	h := &Handler{
		minter:  opts.Minter,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	if h.timeout <= 0 {
		h.timeout = 30 * time.Second
	}
	if h.logger == nil {
		h.logger = log.New(io.Discard, "", 0)
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeResponse(w, http.StatusMethodNotAllowed, response{Error: "method not allowed"})
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		h.metrics.RecordRequest(r.Context(), telemetry.ResultDropped)
		writeResponse(w, http.StatusTooManyRequests, response{Error: "rate limit exceeded"})
		return
	}

	var req Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.metrics.RecordRequest(r.Context(), telemetry.ResultError)
		writeResponse(w, http.StatusBadRequest, response{Error: "invalid payload: " + err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		h.metrics.RecordRequest(r.Context(), telemetry.ResultError)
		writeResponse(w, http.StatusBadRequest, response{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	ref, err := h.minter.Mint(ctx, req)
	if err != nil {
		h.logger.Printf("mint (%d,%d) for %s failed: %v", req.X, req.Y, req.Wallet, err)
		h.metrics.RecordRequest(r.Context(), telemetry.ResultError)
		status := http.StatusBadGateway
		if errors.Is(err, ErrRejected) {
			status = http.StatusUnprocessableEntity
		}
		writeResponse(w, status, response{Error: err.Error()})
		return
	}
	h.metrics.RecordRequest(r.Context(), telemetry.ResultSuccess)
	writeResponse(w, http.StatusOK, response{Mint: ref})
}

func writeResponse(w http.ResponseWriter, status int, payload response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
