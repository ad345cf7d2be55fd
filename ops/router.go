// Package ops serves the internal metrics, health and submission endpoints.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ledgerflow/agreement"
	"ledgerflow/intent"
	"ledgerflow/scheduler"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IntentSubmitter sends a confirmed intent to its ledger.
type IntentSubmitter interface {
	Submit(ctx context.Context, id uuid.UUID) (string, error)
}

// AgreementLifecycle starts the on-chain phases of an agreement.
type AgreementLifecycle interface {
	Deploy(ctx context.Context, id uuid.UUID) error
	Sign(ctx context.Context, id uuid.UUID) error
}

// Deps groups what the router serves. A nil Submitter or Agreements leaves
// the matching routes unregistered.
type Deps struct {
	Gatherer   prometheus.Gatherer
	DB         Pinger
	Submitter  IntentSubmitter
	Agreements AgreementLifecycle
	Logger     *slog.Logger
}

// NewRouter exposes /metrics, /healthz, /readyz and the internal routes:
// POST /internal/intents/{id}/submit for the intent-confirmation layer, and
// POST /internal/agreements/{id}/deploy and /sign for the contract layer.
func NewRouter(deps Deps) *mux.Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := deps.DB.Ping(ctx); err != nil {
			logger.Warn("readiness check failed", slog.Any("err", err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}).Methods(http.MethodGet)

	if deps.Submitter != nil {
		r.HandleFunc("/internal/intents/{id}/submit", submitHandler(deps.Submitter, logger)).Methods(http.MethodPost)
	}
	if deps.Agreements != nil {
		r.HandleFunc("/internal/agreements/{id}/deploy",
			lifecycleHandler("deploy", deps.Agreements.Deploy, agreement.StatusDeployPending, logger)).Methods(http.MethodPost)
		r.HandleFunc("/internal/agreements/{id}/sign",
			lifecycleHandler("sign", deps.Agreements.Sign, agreement.StatusSignPending, logger)).Methods(http.MethodPost)
	}
	return r
}

func submitHandler(s IntentSubmitter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id, err := uuid.Parse(mux.Vars(req)["id"])
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid intent id"})
			return
		}

		ref, err := s.Submit(req.Context(), id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": string(intent.StatusPending), "reference": ref})
		case errors.Is(err, intent.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.Is(err, intent.ErrNotUnconfirmed):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case intent.IsRejection(err):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"status": string(intent.StatusFailure), "error": err.Error()})
		case errors.Is(err, intent.ErrReferenceNotRecorded):
			logger.Error("intent reference not recorded", slog.String("intent_id", id.String()), slog.String("ref", ref), slog.Any("err", err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reference not recorded", "reference": ref})
		case intent.IsUnresolved(err):
			writeJSON(w, http.StatusGatewayTimeout, map[string]string{"status": string(intent.StatusUnconfirmed), "error": err.Error()})
		default:
			logger.Error("intent submission failed", slog.String("intent_id", id.String()), slog.Any("err", err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "submission failed"})
		}
	}
}

func lifecycleHandler(op string, fn func(context.Context, uuid.UUID) error, next agreement.Status, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id, err := uuid.Parse(mux.Vars(req)["id"])
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid agreement id"})
			return
		}

		err = fn(req.Context(), id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": string(next)})
		case errors.Is(err, agreement.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.Is(err, agreement.ErrAlreadySigned),
			errors.Is(err, agreement.ErrInvalidTransition),
			errors.Is(err, agreement.ErrNotDeployed):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, agreement.ErrUnknownAgreementTerm),
			errors.Is(err, scheduler.ErrInvalidCadence),
			intent.IsRejection(err):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		default:
			logger.Error("agreement "+op+" failed", slog.String("agreement_id", id.String()), slog.Any("err", err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": op + " failed"})
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// Serve runs an HTTP server on addr until ctx is cancelled, then shuts it
// down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
