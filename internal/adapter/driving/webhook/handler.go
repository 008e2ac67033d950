// Package webhook is the HTTP driving adapter that turns GitHub webhook
// deliveries into normalized orchestrator events.
package webhook

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gh "github.com/google/go-github/v82/github"

	"github.com/dceleste/mergetrain/internal/domain/model"
)

// EventSink accepts normalized events for processing. The orchestrator
// implements it.
type EventSink interface {
	Submit(ctx context.Context, ev model.Event) error
}

// Handler validates webhook deliveries and translates the payloads the
// merge queue cares about. Unrecognized event types are acknowledged and
// dropped.
type Handler struct {
	sink   EventSink
	secret []byte
	logger *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(sink EventSink, secret string, logger *slog.Logger) *Handler {
	return &Handler{
		sink:   sink,
		secret: []byte(secret),
		logger: logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook", h.Receive)
	mux.HandleFunc("GET /healthz", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Receive validates the delivery signature, translates the payload, and
// hands the resulting event to the sink.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	payload, err := gh.ValidatePayload(r, h.secret)
	if err != nil {
		h.logger.Warn("rejected webhook delivery", "error", err)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	raw, err := gh.ParseWebHook(gh.WebHookType(r), payload)
	if err != nil {
		h.logger.Warn("unparseable webhook payload", "type", gh.WebHookType(r), "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	ev, ok := translate(raw)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	ev.DeliveredAt = time.Now().UTC()

	if err := h.sink.Submit(r.Context(), ev); err != nil {
		h.logger.Error("failed to submit event", "kind", ev.Kind, "error", err)
		http.Error(w, "event not accepted", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// translate maps a parsed webhook payload onto a normalized event. The
// second return value is false for payloads the queue does not act on.
func translate(raw any) (model.Event, bool) {
	switch payload := raw.(type) {
	case *gh.PullRequestEvent:
		return translatePullRequest(payload)

	case *gh.PullRequestReviewEvent:
		pr := payload.GetPullRequest()
		return model.Event{
			Kind:   model.EventReviewSubmitted,
			Repo:   payload.GetRepo().GetFullName(),
			PR:     model.PRKey{Repo: payload.GetRepo().GetFullName(), Number: pr.GetNumber()},
			Branch: pr.GetBase().GetRef(),
		}, true

	case *gh.CheckRunEvent:
		if payload.GetAction() != "completed" {
			return model.Event{}, false
		}
		run := payload.GetCheckRun()
		return model.Event{
			Kind:       model.EventCheckCompleted,
			Repo:       payload.GetRepo().GetFullName(),
			CheckName:  run.GetName(),
			CheckState: conclusionToState(run.GetConclusion()),
			CommitSHA:  run.GetHeadSHA(),
		}, true

	case *gh.StatusEvent:
		// Legacy commit statuses; "pending" deliveries carry no verdict.
		state, ok := statusToState(payload.GetState())
		if !ok {
			return model.Event{}, false
		}
		return model.Event{
			Kind:       model.EventCheckCompleted,
			Repo:       payload.GetRepo().GetFullName(),
			CheckName:  payload.GetContext(),
			CheckState: state,
			CommitSHA:  payload.GetSHA(),
		}, true

	case *gh.PushEvent:
		branch, ok := strings.CutPrefix(payload.GetRef(), "refs/heads/")
		if !ok {
			return model.Event{}, false
		}
		// Pushes to the queue's own draft refs are self-inflicted.
		if strings.HasPrefix(branch, "mergetrain/") {
			return model.Event{}, false
		}
		return model.Event{
			Kind:      model.EventBranchPushed,
			Repo:      payload.GetRepo().GetFullName(),
			Branch:    branch,
			CommitSHA: payload.GetAfter(),
		}, true
	}

	return model.Event{}, false
}

func translatePullRequest(payload *gh.PullRequestEvent) (model.Event, bool) {
	pr := payload.GetPullRequest()
	ev := model.Event{
		Repo:   payload.GetRepo().GetFullName(),
		PR:     model.PRKey{Repo: payload.GetRepo().GetFullName(), Number: pr.GetNumber()},
		Branch: pr.GetBase().GetRef(),
	}

	switch payload.GetAction() {
	case "opened", "reopened", "ready_for_review":
		ev.Kind = model.EventPROpened
	case "synchronize", "edited", "converted_to_draft":
		ev.Kind = model.EventPRUpdated
		ev.CommitSHA = pr.GetHead().GetSHA()
	case "closed":
		ev.Kind = model.EventPRClosed
	case "labeled":
		ev.Kind = model.EventLabelAdded
		ev.Label = payload.GetLabel().GetName()
	case "unlabeled":
		ev.Kind = model.EventLabelRemoved
		ev.Label = payload.GetLabel().GetName()
	default:
		return model.Event{}, false
	}

	return ev, true
}

func conclusionToState(conclusion string) model.CheckState {
	switch conclusion {
	case "success", "neutral", "skipped":
		return model.CheckStateSuccess
	default:
		return model.CheckStateFailure
	}
}

func statusToState(state string) (model.CheckState, bool) {
	switch state {
	case "success":
		return model.CheckStateSuccess, true
	case "failure", "error":
		return model.CheckStateFailure, true
	default:
		return "", false
	}
}
