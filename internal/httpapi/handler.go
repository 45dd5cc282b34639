package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"qms/queue-engine/internal/audit"
	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

// Engine is the part of the engine the HTTP surface drives.
type Engine interface {
	CreateTicket(ctx context.Context, input engine.NewTicket) (models.Ticket, error)
	Ticket(ctx context.Context, ticketID string) (models.Ticket, error)
	Tickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error)
	Complete(ctx context.Context, ticketID, employeeID, comment string) (engine.ResolveResult, error)
	Cancel(ctx context.Context, ticketID, employeeID string, input engine.CancelInput) (engine.ResolveResult, error)
	Derive(ctx context.Context, ticketID, fromEmployeeID string, target engine.DeriveTarget, options engine.DeriveOptions) (engine.DeriveResult, error)

	RegisterEmployee(ctx context.Context, employeeID, name string) (models.Employee, error)
	Employee(ctx context.Context, employeeID string) (models.Employee, error)
	Employees(ctx context.Context) ([]models.Employee, error)
	Connect(ctx context.Context, employeeID string) (engine.ToggleResult, error)
	Disconnect(ctx context.Context, employeeID string) (engine.ToggleResult, error)
	Pause(ctx context.Context, employeeID string) (engine.ToggleResult, error)
	Resume(ctx context.Context, employeeID string) (engine.ToggleResult, error)

	Stats(ctx context.Context, employeeID string) (models.QueueStats, error)
	Snapshot(ctx context.Context) ([]engine.QueueEntry, error)
}

type Handler struct {
	engine Engine
	audit  audit.Reader
}

type errorResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createTicketRequest struct {
	ServiceType    string `json:"service_type"`
	ServiceSubtype string `json:"service_subtype"`
	Priority       string `json:"priority"`
}

type resolveRequest struct {
	EmployeeID string `json:"employee_id"`
	Comment    string `json:"comment"`
	Reason     string `json:"reason"`
}

type deriveRequest struct {
	EmployeeID       string `json:"employee_id"`
	TargetEmployeeID string `json:"target_employee_id"`
	ServiceType      string `json:"service_type"`
	ServiceSubtype   string `json:"service_subtype"`
	Priority         string `json:"priority"`
	Reason           string `json:"reason"`
	Comment          string `json:"comment"`
}

type registerEmployeeRequest struct {
	EmployeeID string `json:"employee_id"`
	Name       string `json:"name"`
}

// NewHandler serves the engine. reader may be nil when no audit journal
// can be read back.
func NewHandler(eng Engine, reader audit.Reader) *Handler {
	return &Handler{engine: eng, audit: reader}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/", h.handleTicket)
	mux.HandleFunc("/api/queue/snapshot", h.handleSnapshot)
	mux.HandleFunc("/api/employees", h.handleEmployees)
	mux.HandleFunc("/api/employees/", h.handleEmployee)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleCreateTicket(w, r)
	case http.MethodGet:
		h.handleListTickets(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ServiceType) == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "service_type is required")
		return
	}
	ticket, err := h.engine.CreateTicket(r.Context(), engine.NewTicket{
		ServiceType:    req.ServiceType,
		ServiceSubtype: req.ServiceSubtype,
		Priority:       models.Priority(strings.TrimSpace(req.Priority)),
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleListTickets(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.TicketFilter{
		QueueType:  models.QueueType(strings.TrimSpace(query.Get("queue_type"))),
		AssignedTo: strings.TrimSpace(query.Get("assigned_to")),
		ServedBy:   strings.TrimSpace(query.Get("served_by")),
	}
	for _, status := range strings.Split(query.Get("status"), ",") {
		if status = strings.TrimSpace(status); status != "" {
			filter.Statuses = append(filter.Statuses, models.TicketStatus(status))
		}
	}
	tickets, err := h.engine.Tickets(r.Context(), filter)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

// handleTicket serves /api/tickets/{id}, /api/tickets/{id}/derivations and
// /api/tickets/{id}/actions/{action}.
func (h *Handler) handleTicket(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/tickets/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		ticket, err := h.engine.Ticket(r.Context(), parts[0])
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ticket)
	case len(parts) == 2 && parts[1] == "derivations" && r.Method == http.MethodGet:
		h.handleDerivations(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch parts[2] {
		case "complete":
			h.handleComplete(w, r, parts[0])
		case "cancel":
			h.handleCancel(w, r, parts[0])
		case "derive":
			h.handleDerive(w, r, parts[0])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	case len(parts) == 1 || len(parts) == 2:
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request, ticketID string) {
	var req resolveRequest
	if !decodeRequest(w, r, &req) || !requireEmployee(w, r, req.EmployeeID) {
		return
	}
	result, err := h.engine.Complete(r.Context(), ticketID, strings.TrimSpace(req.EmployeeID), req.Comment)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, ticketID string) {
	var req resolveRequest
	if !decodeRequest(w, r, &req) || !requireEmployee(w, r, req.EmployeeID) {
		return
	}
	result, err := h.engine.Cancel(r.Context(), ticketID, strings.TrimSpace(req.EmployeeID), engine.CancelInput{
		Reason:  req.Reason,
		Comment: req.Comment,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDerive(w http.ResponseWriter, r *http.Request, ticketID string) {
	var req deriveRequest
	if !decodeRequest(w, r, &req) || !requireEmployee(w, r, req.EmployeeID) {
		return
	}
	target := engine.ToGeneral()
	if id := strings.TrimSpace(req.TargetEmployeeID); id != "" {
		target = engine.ToEmployee(id)
	}
	result, err := h.engine.Derive(r.Context(), ticketID, strings.TrimSpace(req.EmployeeID), target, engine.DeriveOptions{
		ServiceType:    req.ServiceType,
		ServiceSubtype: req.ServiceSubtype,
		Priority:       models.Priority(strings.TrimSpace(req.Priority)),
		Reason:         req.Reason,
		Comment:        req.Comment,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDerivations(w http.ResponseWriter, r *http.Request, ticketID string) {
	if h.audit == nil {
		writeError(w, requestID(r), http.StatusNotImplemented, "audit_unavailable", "derivation history is not readable on this node")
		return
	}
	records, err := h.audit.ListDerivations(r.Context(), ticketID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if records == nil {
		records = []models.DerivationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	entries, err := h.engine.Snapshot(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleEmployees(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req registerEmployeeRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "name is required")
			return
		}
		employee, err := h.engine.RegisterEmployee(r.Context(), req.EmployeeID, req.Name)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, employee)
	case http.MethodGet:
		employees, err := h.engine.Employees(r.Context())
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		if employees == nil {
			employees = []models.Employee{}
		}
		writeJSON(w, http.StatusOK, employees)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleEmployee serves /api/employees/{id}, /api/employees/{id}/stats and
// /api/employees/{id}/actions/{connect|disconnect|pause|resume}.
func (h *Handler) handleEmployee(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/employees/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		employee, err := h.engine.Employee(r.Context(), parts[0])
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, employee)
	case len(parts) == 2 && parts[1] == "stats" && r.Method == http.MethodGet:
		stats, err := h.engine.Stats(r.Context(), parts[0])
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleToggle(w, r, parts[0], parts[2])
	case len(parts) == 1 || len(parts) == 2:
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleToggle(w http.ResponseWriter, r *http.Request, employeeID, action string) {
	var toggle func(context.Context, string) (engine.ToggleResult, error)
	switch action {
	case "connect":
		toggle = h.engine.Connect
	case "disconnect":
		toggle = h.engine.Disconnect
	case "pause":
		toggle = h.engine.Pause
	case "resume":
		toggle = h.engine.Resume
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	result, err := toggle(r.Context(), employeeID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{
		Employee: result.Employee,
		State:    result.Employee.State(),
		Ticket:   result.Ticket,
		Changed:  result.Changed,
	})
}

type toggleResponse struct {
	Employee models.Employee      `json:"employee"`
	State    models.EmployeeState `json:"state"`
	Ticket   *models.Ticket       `json:"ticket,omitempty"`
	Changed  bool                 `json:"changed"`
}

func pathParts(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func requireEmployee(w http.ResponseWriter, r *http.Request, employeeID string) bool {
	if strings.TrimSpace(employeeID) == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "employee_id is required")
		return false
	}
	return true
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func requestID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	writeError(w, requestID(r), status, code, msg)
}

func mapError(err error) (int, string, string) {
	var validation *engine.ValidationError
	switch {
	case errors.As(err, &validation):
		return http.StatusConflict, "invalid_state", validation.Reason
	case errors.Is(err, engine.ErrValidation):
		return http.StatusConflict, "invalid_state", "operation not allowed in the current state"
	case errors.Is(err, store.ErrNotFound):
		var notFound *store.NotFoundError
		if errors.As(err, &notFound) {
			return http.StatusNotFound, notFound.Kind + "_not_found", notFound.Error()
		}
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "concurrent update, try again"
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable", "store unavailable, changes are disabled"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
