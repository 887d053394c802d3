package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/windlass-gitops/windlass/internal/graph"
	"github.com/windlass-gitops/windlass/internal/history"
	"github.com/windlass-gitops/windlass/internal/scheduler"
	"github.com/windlass-gitops/windlass/internal/webhook"
)

const sigHeaderName = "X-Hub-Signature-256"

// Operator is the HTTP surface: application status, manual sync triggers,
// sync results, and the GitHub webhook receiver.
type Operator struct {
	Scheduler     *scheduler.Scheduler
	Registry      *graph.Registry
	Store         history.Store
	WebhookSecret string
	DevMode       bool
}

func (o *Operator) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// GET /applications
func (o *Operator) listApplications(w http.ResponseWriter, r *http.Request) {
	log.Debug().Str("method", r.Method).Str("url", r.URL.String()).Msg("list applications")
	o.writeJSON(w, http.StatusOK, o.Registry.List())
}

type applicationDetail struct {
	graph.Snapshot
	PendingPlan *scheduler.Plan `json:"pendingPlan,omitempty"`
}

// GET /applications/{name}
func (o *Operator) getApplication(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	snap, ok := o.Registry.Status(name)
	if !ok {
		http.Error(w, "unknown application", http.StatusNotFound)
		return
	}
	detail := applicationDetail{Snapshot: snap}
	if plan, ok := o.Scheduler.PendingPlan(name); ok {
		detail.PendingPlan = plan
	}
	o.writeJSON(w, http.StatusOK, detail)
}

// POST /applications/{name}/sync
func (o *Operator) triggerSync(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := o.Registry.Status(name); !ok {
		http.Error(w, "unknown application", http.StatusNotFound)
		return
	}
	if !o.Scheduler.TriggerManual(name) {
		http.Error(w, "application has no running reconcile loop", http.StatusConflict)
		return
	}
	log.Info().Str("app", name).Msg("manual sync triggered")
	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "sync triggered\n")
}

// GET /applications/{name}/results
func (o *Operator) getResults(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := o.Registry.Status(name); !ok {
		http.Error(w, "unknown application", http.StatusNotFound)
		return
	}
	results, err := o.Store.Last(name)
	if err != nil {
		log.Error().Err(err).Str("app", name).Msg("failed to fetch sync results")
		http.Error(w, "failed to fetch sync results", http.StatusInternalServerError)
		return
	}
	o.writeJSON(w, http.StatusOK, results)
}

// POST /webhook - github push events signal a source revision change
func (o *Operator) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error().Err(err).Msg("Error reading request body")
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}

	if o.DevMode {
		log.Info().Msg("Running in dev mode - skipping signature validation")
	} else {
		signature := r.Header.Get(sigHeaderName)
		if !webhook.VerifySignature(payload, signature, o.WebhookSecret) {
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
	}

	event := r.Header.Get("X-GitHub-Event")
	switch event {
	case "ping":
		log.Info().Str("method", r.Method).Str("url", r.URL.String()).Msg("ping event received")
		_, _ = io.WriteString(w, "ping event processed\n")
		return
	case "push":
		change, err := webhook.ProcessPush(payload)
		if err != nil {
			http.Error(w, "Could not process push event data", http.StatusInternalServerError)
			return
		}
		if change.Ignore {
			log.Info().Msgf("Ignoring push event: %+v", change)
			_, _ = io.WriteString(w, "push event ignored\n")
			return
		}
		o.Scheduler.NotifyRevisionChange(change)
		_, _ = io.WriteString(w, "revision change accepted\n")
	default:
		log.Info().Str("method", r.Method).Str("url", r.URL.String()).Msgf("Ignoring X-GitHub-Event %s", event)
		_, _ = io.WriteString(w, "event ignored\n")
	}
}

// HTTP Handler for health checks
func (o *Operator) healthZ(w http.ResponseWriter, r *http.Request) {
	log.Debug().Str("method", r.Method).Str("url", r.URL.String()).Msg("healthz endpoint")
	_, err := io.WriteString(w, "healthy\n")
	if err != nil {
		http.Error(w, "io.WriteString() failed", http.StatusInternalServerError)
		return
	}
}

// Mux returns the operator route table.
func (o *Operator) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /applications", o.listApplications)
	mux.HandleFunc("GET /applications/{name}", o.getApplication)
	mux.HandleFunc("POST /applications/{name}/sync", o.triggerSync)
	mux.HandleFunc("GET /applications/{name}/results", o.getResults)
	mux.HandleFunc("POST /webhook", o.handleWebhook)
	mux.HandleFunc("GET /healthz", o.healthZ)
	return mux
}

// Start serves the operator surface until SIGTERM/SIGINT, then shuts down
// gracefully.
func (o *Operator) Start(addr string) {
	log.Info().Msgf("Setting up listener on %s", addr)
	if o.DevMode {
		log.Warn().Msg("Dev Mode is enabled - webhook signature validations are disabled!")
	}

	srv := &http.Server{Addr: addr, Handler: o.Mux()}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal().Err(err).Msgf("http.ListenAndServe('%s') failed", addr)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop // block until TERM or INT is received
	log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server gracefully stopped")
}
