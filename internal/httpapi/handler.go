// Package httpapi is the HTTP front door of the contact relay.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/shineum/contact-relay/internal/contact"
)

// maxBodyBytes caps the JSON body of a submission.
const maxBodyBytes = 1 << 20

const greeting = "<h1>Hello, World!</h1>"

// Dispatcher sends a contact submission.
type Dispatcher interface {
	Dispatch(ctx context.Context, sub contact.Submission) error
}

// Handler serves the contact relay endpoints.
type Handler struct {
	dispatcher Dispatcher
	validate   *validator.Validate
}

// NewHandler creates a Handler that hands valid submissions to d.
func NewHandler(d Dispatcher) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("notblank", notBlank); err != nil {
		panic(err)
	}
	return &Handler{
		dispatcher: d,
		validate:   v,
	}
}

func notBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// NewRouter builds the router with request IDs, request logging and panic
// recovery applied to every route.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the relay endpoints on router.
func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Get("/", h.Root)
	router.Get("/health", h.Health)
	router.Post("/send-email", h.SendEmail)
}

// Root returns the static greeting.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(greeting))
}

// Health reports that the process is serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SendEmail decodes a submission and dispatches it. A successful send
// answers 200 with an empty body.
func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	var sub contact.Submission
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&sub); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.validate.Struct(&sub); err != nil {
		respondWithError(w, http.StatusBadRequest, "fullname, email and message are required")
		return
	}

	if err := h.dispatcher.Dispatch(r.Context(), sub); err != nil {
		h.handleDispatchError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, contact.ErrInvalidAddress):
		slog.InfoContext(r.Context(), "rejected submission", "error", err)
		respondWithError(w, http.StatusUnprocessableEntity, "invalid email address")
	case errors.Is(err, context.DeadlineExceeded):
		respondWithError(w, http.StatusGatewayTimeout, "mail relay timed out")
	default:
		respondWithError(w, http.StatusBadGateway, "failed to send email")
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
