package delivery

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/solarcrm/reconciler/internal/delivery/batch"
	"github.com/solarcrm/reconciler/internal/delivery/status"
	"github.com/solarcrm/reconciler/internal/platform/httpx"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerActor          = "X-Actor"
)

// StatusClassifier answers list-view delivery status.
type StatusClassifier interface {
	Classify(ctx context.Context, sessionID string, entities []status.Entity) ([]status.Result, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// Handler exposes the delivery dialog and list status over JSON.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	classifier StatusClassifier
	validator  *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, classifier StatusClassifier) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger,
		service:    service,
		classifier: classifier,
		validator:  validator.New(),
	}
}

// MountRoutes registers delivery routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{kind}/{ref}/offer", h.getOffer)
	r.Post("/{kind}/{ref}/deliveries", h.postDeliveries)
	r.Post("/statuses", h.postStatuses)
	r.Delete("/statuses/{session}", h.deleteStatusSession)
}

type saveRequest struct {
	SessionID string        `json:"session_id"`
	OfferID   string        `json:"offer_id"`
	Drafts    []batch.Draft `json:"drafts" validate:"max=200"`
}

type saveResponse struct {
	OfferView
	Strategy Strategy `json:"strategy"`
}

type statusRequest struct {
	SessionID string          `json:"session_id"`
	Entities  []status.Entity `json:"entities" validate:"max=500"`
}

type statusResponse struct {
	SessionID string          `json:"session_id"`
	Results   []status.Result `json:"results"`
}

type noticeResponse struct {
	Notice string `json:"notice"`
}

type validationProblem struct {
	httpx.ProblemDetail
	Rule string `json:"rule"`
	Row  int    `json:"row,omitempty"`
	Item string `json:"item,omitempty"`
}

func (h *Handler) getOffer(w http.ResponseWriter, r *http.Request) {
	entity, err := ParseEntityRef(chi.URLParam(r, "kind"), chi.URLParam(r, "ref"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.service.Load(r.Context(), entity, strings.TrimSpace(r.URL.Query().Get("offer_id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) postDeliveries(w http.ResponseWriter, r *http.Request) {
	entity, err := ParseEntityRef(chi.URLParam(r, "kind"), chi.URLParam(r, "ref"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req saveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be a JSON object with drafts")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", fieldErrors(err))
		return
	}

	res, err := h.service.Save(r.Context(), SaveInput{
		Entity:         entity,
		OfferID:        strings.TrimSpace(req.OfferID),
		SessionID:      req.SessionID,
		Actor:          strings.TrimSpace(r.Header.Get(headerActor)),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(headerIdempotencyKey)),
		Drafts:         req.Drafts,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, saveResponse{OfferView: res.View, Strategy: res.Strategy})
}

func (h *Handler) postStatuses(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "entities must be a list of JSON objects")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", fieldErrors(err))
		return
	}
	if req.SessionID == "" {
		req.SessionID = status.NewSessionID()
	}
	results, err := h.classifier.Classify(r.Context(), req.SessionID, req.Entities)
	if err != nil {
		h.logger.WarnContext(r.Context(), "classify delivery status", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, statusResponse{SessionID: req.SessionID, Results: results})
}

func (h *Handler) deleteStatusSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "session"))
	if sessionID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "session id required")
		return
	}
	if err := h.classifier.CloseSession(r.Context(), sessionID); err != nil {
		h.logger.WarnContext(r.Context(), "close status session", slog.String("session", sessionID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail converts a reconciliation error into a single response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var verr *batch.ValidationError
	switch {
	case errors.As(err, &verr):
		h.logger.InfoContext(ctx, "delivery batch rejected", slog.String("rule", verr.Rule.String()), slog.Int("row", verr.Row))
		httpx.JSON(w, http.StatusUnprocessableEntity, validationProblem{
			ProblemDetail: httpx.ProblemDetail{
				Title:  "Invalid Delivery Batch",
				Status: http.StatusUnprocessableEntity,
				Detail: verr.Message,
			},
			Rule: verr.Rule.String(),
			Row:  verr.Row,
			Item: verr.Item,
		})
	case errors.Is(err, ErrNoOffer):
		httpx.JSON(w, http.StatusOK, noticeResponse{Notice: err.Error()})
	case errors.Is(err, ErrNotPersisted):
		h.logger.ErrorContext(ctx, "delivery not persisted", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Delivery Not Persisted", err.Error())
	case errors.Is(err, ErrWriteFailed):
		h.logger.ErrorContext(ctx, "delivery write failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Delivery Write Failed", err.Error())
	case errors.Is(err, ErrLoadFailed):
		h.logger.ErrorContext(ctx, "load offers", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Offers Unavailable", ErrLoadFailed.Error())
	case errors.Is(err, ErrSaveInProgress), errors.Is(err, ErrDuplicateRequest):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrInvalidEntity):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Contact", err.Error())
	default:
		h.logger.ErrorContext(ctx, "delivery request", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func fieldErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, strings.ToLower(fe.Field())+": "+fe.Tag())
	}
	return strings.Join(msgs, "; ")
}
