/*
handlers.go - HTTP API handlers for the job-sheet engine

PURPOSE:
  Exposes the workflow service and the shop services via REST API. Handles
  HTTP request/response and JSON serialization, and delegates to domain
  logic. No business rule lives here.

ENDPOINTS:
  Job sheets:
    POST   /api/jobsheets                  Submit a job sheet (saga)

  Jobs:
    GET    /api/jobs                       List jobs (?party_id, status, machine_id, include_deleted)
    GET    /api/jobs/{id}                  Get job
    DELETE /api/jobs/{id}                  Soft-delete job
    POST   /api/jobs/{id}/status           Apply start | complete | cancel | update_notes
    POST   /api/jobs/{id}/assign           Assign to a machine
    POST   /api/jobs/{id}/reassign         Move to another machine
    POST   /api/jobs/{id}/release-machine  Give the machine slot back
    GET    /api/jobs/{id}/workflow         Workflow status row

  Parties:
    GET    /api/parties                    List parties
    POST   /api/parties                    Create party (opening balance is booked)
    GET    /api/parties/{id}               Get party
    PUT    /api/parties/{id}               Update contact details
    DELETE /api/parties/{id}               Delete party without dependents
    GET    /api/parties/{id}/transactions  Ledger statement (?include_deleted)
    POST   /api/parties/{id}/transactions  Append ledger entry
    GET    /api/parties/{id}/audit         Cached balance vs ledger fold
    DELETE /api/transactions/{id}          Annotate entry as deleted

  Inventory and machines:
    GET    /api/inventory                  List items
    POST   /api/inventory                  Create item
    GET    /api/inventory/{id}             Get item
    GET    /api/inventory/{id}/history     Movement log
    GET    /api/machines                   List machines
    POST   /api/machines                   Create machine
    GET    /api/machines/{id}              Get machine
    PUT    /api/machines/{id}/status       Set active | maintenance | offline

  Admin:
    POST   /api/admin/reconcile            Run one reconciliation pass now
    GET    /api/health                     Liveness

RESPONSE ENVELOPE:
  {"success": true, "data": ...}
  {"success": false, "error": "...", "field": "..."}

ERROR HANDLING:
  - 400: Validation errors, invalid transitions, malformed input
  - 404: Resource not found
  - 409: Machine unavailable, party in use, concurrent modification,
         duplicate idempotency key, already deleted
  - 500: Internal errors (logged, details withheld)

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - workflow/integration.go: SubmitJobSheet
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/warp/jobsheet-engine/shop"
	"github.com/warp/jobsheet-engine/workflow"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	svc       *workflow.Service
	scheduler *workflow.Scheduler
	logger    logrus.FieldLogger
}

// NewHandler creates a handler. scheduler may be nil; the reconcile
// endpoint then answers 503.
func NewHandler(svc *workflow.Service, scheduler *workflow.Scheduler, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{svc: svc, scheduler: scheduler, logger: logger.WithField("component", "api")}
}

// =============================================================================
// JOB SHEET SUBMISSION
// =============================================================================

func (h *Handler) SubmitJobSheet(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobSheetRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	sub, err := req.toSubmission()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.svc.SubmitJobSheet(r.Context(), sub)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeData(w, status, toSubmissionDTO(result))
}

// =============================================================================
// JOBS
// =============================================================================

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter shop.JobFilter
	var err error
	if filter.PartyID, err = queryID(q.Get("party_id"), "party_id"); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.MachineID, err = queryID(q.Get("machine_id"), "machine_id"); err != nil {
		h.fail(w, r, err)
		return
	}
	filter.Status = shop.JobStatus(q.Get("status"))
	if filter.IncludeDeleted, err = queryBool(q.Get("include_deleted"), "include_deleted"); err != nil {
		h.fail(w, r, err)
		return
	}

	jobs, err := h.svc.ListJobs(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]JobDTO, 0, len(jobs))
	for i := range jobs {
		out = append(out, toJobDTO(&jobs[i]))
	}
	writeData(w, http.StatusOK, out)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	job, err := h.svc.GetJob(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toJobDTO(job))
}

func (h *Handler) UpdateJobStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req JobStatusRequest
	if err := decodeValid(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	action, err := shop.ParseJobAction(req.Action)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	job, err := h.svc.UpdateJobStatus(r.Context(), id, action, req.Notes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toJobDTO(job))
}

func (h *Handler) AssignJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req AssignRequest
	if err := decodeValid(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	job, err := h.svc.AssignJob(r.Context(), id, req.MachineID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toJobDTO(job))
}

func (h *Handler) ReassignJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req AssignRequest
	if err := decodeValid(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	job, err := h.svc.ReassignJob(r.Context(), id, req.MachineID, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toJobDTO(job))
}

func (h *Handler) ReleaseMachine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	job, err := h.svc.ReleaseMachine(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toJobDTO(job))
}

func (h *Handler) GetWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ws, err := h.svc.GetWorkflowStatus(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ws == nil {
		h.fail(w, r, &shop.NotFoundError{Entity: "workflow status", ID: id})
		return
	}
	writeData(w, http.StatusOK, toWorkflowStatusDTO(ws))
}

func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req DeleteRequest
	if err := decodeValid(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.SoftDeleteJob(r.Context(), id, req.Reason, req.DeletedBy); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// =============================================================================
// PARTIES + LEDGER
// =============================================================================

func (h *Handler) ListParties(w http.ResponseWriter, r *http.Request) {
	parties, err := h.svc.Parties().List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]PartyDTO, 0, len(parties))
	for i := range parties {
		out = append(out, toPartyDTO(&parties[i]))
	}
	writeData(w, http.StatusOK, out)
}

func (h *Handler) CreateParty(w http.ResponseWriter, r *http.Request) {
	var in shop.PartyInput
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	party, err := h.svc.Parties().Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toPartyDTO(party))
}

func (h *Handler) GetParty(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	party, err := h.svc.Parties().Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toPartyDTO(party))
}

func (h *Handler) UpdateParty(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in shop.PartyInput
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	party, err := h.svc.Parties().Update(r.Context(), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toPartyDTO(party))
}

func (h *Handler) DeleteParty(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.Parties().Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	includeDeleted, err := queryBool(r.URL.Query().Get("include_deleted"), "include_deleted")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	txs, err := h.svc.Ledger().Statement(r.Context(), id, includeDeleted)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]TransactionDTO, 0, len(txs))
	for i := range txs {
		out = append(out, toTransactionDTO(&txs[i]))
	}
	writeData(w, http.StatusOK, out)
}

func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req TransactionRequest
	if err := decodeValid(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	tx, err := h.svc.Ledger().Apply(r.Context(), shop.LedgerEntry{
		PartyID:        id,
		Type:           req.Type,
		Amount:         req.Amount,
		Description:    req.Description,
		JobID:          req.JobID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toTransactionDTO(tx))
}

func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	audit, err := h.svc.Ledger().Audit(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, AuditDTO{
		PartyID:     audit.PartyID,
		Cached:      audit.Cached,
		Folded:      audit.Folded,
		LiveFolded:  audit.LiveFolded,
		ChainBreaks: audit.ChainBreaks,
		Consistent:  audit.Consistent,
	})
}

// DeleteTransaction marks a ledger entry deleted. The balance is untouched;
// post an adjustment to correct it.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req DeleteRequest
	if err := decodeValid(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.Ledger().SoftDelete(r.Context(), id, req.Reason, req.DeletedBy); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// =============================================================================
// INVENTORY
// =============================================================================

func (h *Handler) ListInventory(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.Inventory().List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]InventoryItemDTO, 0, len(items))
	for i := range items {
		out = append(out, toInventoryItemDTO(&items[i]))
	}
	writeData(w, http.StatusOK, out)
}

func (h *Handler) CreateInventoryItem(w http.ResponseWriter, r *http.Request) {
	var in shop.InventoryItemInput
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	item, err := h.svc.Inventory().Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toInventoryItemDTO(item))
}

func (h *Handler) GetInventoryItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	item, err := h.svc.Inventory().Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toInventoryItemDTO(item))
}

func (h *Handler) GetInventoryHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	txs, err := h.svc.Inventory().History(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]InventoryMovementDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, InventoryMovementDTO{
			ID:            tx.ID,
			Type:          tx.Type,
			TotalSheets:   tx.TotalSheets,
			JobID:         tx.JobID,
			ReservationID: tx.ReservationID,
			Reference:     tx.Reference,
			Description:   tx.Description,
			CreatedAt:     tx.CreatedAt,
		})
	}
	writeData(w, http.StatusOK, out)
}

// =============================================================================
// MACHINES
// =============================================================================

func (h *Handler) ListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := h.svc.Machines().List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]MachineDTO, 0, len(machines))
	for i := range machines {
		out = append(out, toMachineDTO(&machines[i]))
	}
	writeData(w, http.StatusOK, out)
}

func (h *Handler) CreateMachine(w http.ResponseWriter, r *http.Request) {
	var in shop.MachineInput
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.svc.Machines().Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toMachineDTO(m))
}

func (h *Handler) GetMachine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.svc.Machines().Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toMachineDTO(m))
}

func (h *Handler) SetMachineStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req MachineStatusRequest
	if err := decodeValid(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.svc.Machines().SetStatus(r.Context(), id, req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toMachineDTO(m))
}

// =============================================================================
// ADMIN
// =============================================================================

// Reconcile runs the scheduler pass synchronously and returns its report.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured", nil)
		return
	}
	report := h.scheduler.RunNow(r.Context())
	inconsistent := report.InconsistentParties
	if inconsistent == nil {
		inconsistent = []int64{}
	}
	writeData(w, http.StatusOK, ReconcileDTO{
		ChargesApplied:      report.ChargesApplied,
		ChargesFailed:       report.ChargesFailed,
		StatusesCreated:     report.StatusesCreated,
		PartiesAudited:      report.PartiesAudited,
		InconsistentParties: inconsistent,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// fail maps a domain error to an HTTP status. Unexpected errors are logged
// with the request id and answered without details.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		}).WithError(err).Error("request failed")
		writeError(w, status, "internal error", nil)
		return
	}

	resp := Response{Error: err.Error()}
	var verr *shop.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case shop.IsClientError(err):
		return http.StatusBadRequest
	case shop.IsConflict(err),
		errors.Is(err, shop.ErrDuplicateIdempotencyKey),
		errors.Is(err, shop.ErrAlreadyDeleted):
		return http.StatusConflict
	case shop.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return shop.Invalid("body", "is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return shop.Invalid("body", "malformed JSON: %v", err)
	}
	return nil
}

// decodeValid decodes v and checks its validate tags.
func decodeValid(r *http.Request, v any) error {
	if err := decodeJSON(r, v); err != nil {
		return err
	}
	return shop.Validate(v)
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, shop.Invalid("id", "must be a positive integer, got %q", raw)
	}
	return id, nil
}

func queryID(raw, field string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, shop.Invalid(field, "must be a positive integer, got %q", raw)
	}
	return &id, nil
}

func queryBool(raw, field string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, shop.Invalid(field, "must be true or false")
	}
	return b, nil
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Response{Success: true, Data: data})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := Response{Error: message}
	if err != nil {
		resp.Details = fmt.Sprint(err)
	}
	writeJSON(w, status, resp)
}
