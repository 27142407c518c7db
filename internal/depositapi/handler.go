// Package depositapi serves deposit address issuance, ledger lookups and
// on-demand sweeps over HTTP.
package depositapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/juno-intents/deposit-router/internal/config"
	"github.com/juno-intents/deposit-router/internal/create2"
	"github.com/juno-intents/deposit-router/internal/deposit"
	"github.com/juno-intents/deposit-router/internal/sweep"
)

const (
	apiVersion = "v1"

	depositNote = "Send Sepolia ETH to this address. Funds will be routed to treasury."

	maxBodyBytes = 1 << 12
	maxListLimit = 1000
)

var ErrInvalidConfig = errors.New("depositapi: invalid config")

// Issuer is satisfied by *deposit.Issuer.
type Issuer interface {
	Issue(ctx context.Context, user [20]byte) (deposit.Deposit, error)
}

// ProxyChecker is satisfied by *chaingateway.Gateway.
type ProxyChecker interface {
	HasCode(ctx context.Context, address [20]byte) (bool, error)
}

type Config struct {
	Contracts config.Contracts
	// Proxies, when set, lets a retry skip the redeploy of a proxy that is
	// already on chain.
	Proxies ProxyChecker
	// ServiceVersion is reported by /v1/config.
	ServiceVersion string

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

// NewHandler builds the API. sweeper may be nil, in which case POST
// /v1/sweeps answers 503.
func NewHandler(cfg Config, issuer Issuer, ledger deposit.Ledger, sweeper sweep.Runner, log *slog.Logger) (http.Handler, error) {
	if issuer == nil || ledger == nil {
		return nil, fmt.Errorf("%w: nil issuer/ledger", ErrInvalidConfig)
	}
	if cfg.Contracts.Deployer == ([20]byte{}) {
		return nil, fmt.Errorf("%w: missing deployer", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 10
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "dev"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &handler{
		cfg:     cfg,
		issuer:  issuer,
		ledger:  ledger,
		sweeper: sweeper,
		limiter: newIPRateLimiter(cfg.RateLimitPerIPPerSecond, float64(cfg.RateLimitBurst), cfg.RateLimitMaxTrackedIPs),
		log:     log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/config", h.handleConfig)
	mux.HandleFunc("POST /v1/deposits", h.handleCreateDeposit)
	mux.HandleFunc("GET /v1/deposits", h.handleListDeposits)
	mux.HandleFunc("GET /v1/deposits/{address}", h.handleGetDeposit)
	mux.HandleFunc("POST /v1/deposits/{address}/retry", h.handleRetryDeposit)
	mux.HandleFunc("GET /v1/users/{user}/deposits", h.handleListUserDeposits)
	mux.HandleFunc("POST /v1/sweeps", h.handleRunSweep)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !h.limiter.Allow(clientIP(r), h.cfg.Now().UTC()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg     Config
	issuer  Issuer
	ledger  deposit.Ledger
	sweeper sweep.Runner
	limiter *ipRateLimiter
	log     *slog.Logger
}

type depositView struct {
	ID              int64     `json:"id"`
	User            string    `json:"user"`
	DepositAddress  string    `json:"depositAddress"`
	Salt            string    `json:"salt"`
	Nonce           uint64    `json:"nonce"`
	Status          string    `json:"status"`
	DeployTxHash    string    `json:"deployTxHash,omitempty"`
	RouteTxHash     string    `json:"routeTxHash,omitempty"`
	RoutedAmountWei string    `json:"routedAmountWei,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func viewOf(d deposit.Deposit) depositView {
	v := depositView{
		ID:             d.ID,
		User:           create2.FormatAddress(d.User),
		DepositAddress: create2.FormatAddress(d.Address),
		Salt:           strings.ToLower(d.Salt),
		Nonce:          d.Nonce,
		Status:         d.Status.String(),
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
	if d.DeployTxHash != ([32]byte{}) {
		v.DeployTxHash = create2.FormatBytes32(d.DeployTxHash)
	}
	if d.RouteTxHash != ([32]byte{}) {
		v.RouteTxHash = create2.FormatBytes32(d.RouteTxHash)
	}
	if d.RoutedAmountWei != nil {
		v.RoutedAmountWei = d.RoutedAmountWei.String()
	}
	return v
}

func viewsOf(ds []deposit.Deposit) []depositView {
	out := make([]depositView, 0, len(ds))
	for _, d := range ds {
		out = append(out, viewOf(d))
	}
	return out
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleConfig(w http.ResponseWriter, _ *http.Request) {
	c := h.cfg.Contracts
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        apiVersion,
		"serviceVersion": h.cfg.ServiceVersion,
		"deployer":       create2.FormatAddress(c.Deployer),
		"initCodeHash":   create2.FormatBytes32(c.InitCodeHash),
		"treasury":       create2.FormatAddress(c.Treasury),
		"sweepsEnabled":  h.sweeper != nil,
	})
}

type createDepositBody struct {
	User string `json:"user"`
}

func (h *handler) handleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[createDepositBody](w, r)
	if !ok {
		return
	}
	user, err := create2.ParseAddress(strings.TrimSpace(body.User))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user_address")
		return
	}

	d, err := h.issuer.Issue(r.Context(), user)
	if err != nil {
		h.log.Error("issue deposit", "user", create2.FormatAddress(user), "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        apiVersion,
		"depositAddress": create2.FormatAddress(d.Address),
		"salt":           d.Salt,
		"nonce":          d.Nonce,
		"note":           depositNote,
	})
}

func (h *handler) handleListDeposits(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}

	ds, err := h.ledger.ListAll(r.Context(), limit)
	if err != nil {
		h.log.Error("list deposits", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  apiVersion,
		"deposits": viewsOf(ds),
		"total":    len(ds),
	})
}

func (h *handler) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	addr, ok := parsePathAddress(w, r.PathValue("address"), "invalid_deposit_address")
	if !ok {
		return
	}
	d, err := h.ledger.GetByAddress(r.Context(), addr)
	if err != nil {
		h.writeLedgerError(w, "get deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(d))
}

func (h *handler) handleListUserDeposits(w http.ResponseWriter, r *http.Request) {
	user, ok := parsePathAddress(w, r.PathValue("user"), "invalid_user_address")
	if !ok {
		return
	}
	ds, err := h.ledger.ListByUser(r.Context(), user)
	if err != nil {
		h.writeLedgerError(w, "list user deposits", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  apiVersion,
		"user":     create2.FormatAddress(user),
		"deposits": viewsOf(ds),
		"total":    len(ds),
	})
}

// handleRetryDeposit re-queues a failed deposit. It goes back to funded so
// the next sweep redeploys it, or straight to deployed when its proxy already
// exists; redeploying an existing proxy reverts the whole batch.
func (h *handler) handleRetryDeposit(w http.ResponseWriter, r *http.Request) {
	addr, ok := parsePathAddress(w, r.PathValue("address"), "invalid_deposit_address")
	if !ok {
		return
	}
	d, err := h.ledger.GetByAddress(r.Context(), addr)
	if err != nil {
		h.writeLedgerError(w, "get deposit", err)
		return
	}
	next, err := d.Status.Retry()
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"version": apiVersion,
			"error":   "invalid_transition",
			"status":  d.Status.String(),
		})
		return
	}
	if h.cfg.Proxies != nil {
		deployed, err := h.cfg.Proxies.HasCode(r.Context(), addr)
		if err != nil {
			h.log.Error("check proxy code", "deposit", create2.FormatAddress(addr), "err", err)
			writeError(w, http.StatusBadGateway, "chain_unavailable")
			return
		}
		if deployed {
			next, _ = d.Status.Resume()
		}
	}
	if err := h.ledger.UpdateStatus(r.Context(), addr, next); err != nil {
		h.writeLedgerError(w, "retry deposit", err)
		return
	}
	h.log.Info("deposit re-queued", "deposit", create2.FormatAddress(addr), "status", next.String())

	d.Status = next
	writeJSON(w, http.StatusOK, viewOf(d))
}

func (h *handler) handleRunSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeps_unavailable")
		return
	}
	// A client hanging up must not cut a sweep short between deploy and
	// transfers; the runner carries its own deadline.
	sum, err := h.sweeper.Run(context.WithoutCancel(r.Context()))
	if err != nil {
		h.log.Error("run sweep", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": apiVersion,
			"error":   "internal",
			"summary": sum,
		})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *handler) writeLedgerError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, deposit.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	h.log.Error(op, "err", err)
	writeError(w, http.StatusInternalServerError, "internal")
}

func parsePathAddress(w http.ResponseWriter, raw, code string) ([20]byte, bool) {
	addr, err := create2.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, code)
		return [20]byte{}, false
	}
	return addr, true
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{
		"version": apiVersion,
		"error":   code,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}
