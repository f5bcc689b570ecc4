package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/engine"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/scanners"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/scanning"
)

// ReadinessCheck reports whether a backing dependency is reachable.
type ReadinessCheck func(ctx context.Context) error

type Handlers struct {
	engine *engine.Engine
	checks map[string]ReadinessCheck
}

func NewHandlers(eng *engine.Engine, checks map[string]ReadinessCheck) *Handlers {
	return &Handlers{engine: eng, checks: checks}
}

type itemResponse struct {
	TicketTypeID uuid.UUID `json:"ticket_type_id"`
	Quantity     int       `json:"quantity"`
	UnitPrice    int64     `json:"unit_price"`
}

type orderResponse struct {
	ID              uuid.UUID          `json:"id"`
	PurchaserID     uuid.UUID          `json:"purchaser_id"`
	EventID         uuid.UUID          `json:"event_id"`
	Status          domain.OrderStatus `json:"status"`
	Items           []itemResponse     `json:"items"`
	Subtotal        int64              `json:"subtotal"`
	PromoAdjustment int64              `json:"promo_adjustment"`
	TotalAmount     int64              `json:"total_amount"`
	CreatedAt       time.Time          `json:"created_at"`
	ExpiresAt       time.Time          `json:"expires_at"`
	Tickets         []ticketResponse   `json:"tickets,omitempty"`
}

type ticketResponse struct {
	ID                uuid.UUID           `json:"id"`
	OrderID           uuid.UUID           `json:"order_id"`
	EventID           uuid.UUID           `json:"event_id"`
	TicketTypeID      uuid.UUID           `json:"ticket_type_id"`
	OwnerID           uuid.UUID           `json:"owner_id"`
	Status            domain.TicketStatus `json:"status"`
	Barcode           string              `json:"barcode"`
	CredentialVersion int                 `json:"credential_version"`
	QR                string              `json:"qr,omitempty"`
	IssuedAt          time.Time           `json:"issued_at"`
	UsedAt            *time.Time          `json:"used_at,omitempty"`
	RefundedAt        *time.Time          `json:"refunded_at,omitempty"`
}

type scannerResponse struct {
	ID             uuid.UUID            `json:"id"`
	Name           string               `json:"name"`
	OrganizationID uuid.UUID            `json:"organization_id"`
	EventID        *uuid.UUID           `json:"event_id,omitempty"`
	Status         domain.ScannerStatus `json:"status"`
	CreatedAt      time.Time            `json:"created_at"`
	LastSyncAt     *time.Time           `json:"last_sync_at,omitempty"`
	APIKey         string               `json:"api_key,omitempty"`
}

type scanLogResponse struct {
	ID           uuid.UUID           `json:"id"`
	ScannerID    uuid.UUID           `json:"scanner_id"`
	TicketID     *uuid.UUID          `json:"ticket_id,omitempty"`
	ScanType     domain.ScanType     `json:"scan_type"`
	Success      bool                `json:"success"`
	Reason       domain.ScanReason   `json:"reason"`
	TicketStatus domain.TicketStatus `json:"ticket_status,omitempty"`
	ScannedAt    time.Time           `json:"scanned_at"`
	RecordedAt   time.Time           `json:"recorded_at"`
}

func toOrder(o domain.Order, tickets []domain.Ticket) orderResponse {
	resp := orderResponse{
		ID:              o.ID,
		PurchaserID:     o.PurchaserID,
		EventID:         o.EventID,
		Status:          o.Status,
		Subtotal:        o.Subtotal,
		PromoAdjustment: o.PromoAdjustment,
		TotalAmount:     o.TotalAmount,
		CreatedAt:       o.CreatedAt,
		ExpiresAt:       o.ExpiresAt,
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, itemResponse{TicketTypeID: it.TicketTypeID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	for _, t := range tickets {
		resp.Tickets = append(resp.Tickets, toTicket(t, ""))
	}
	return resp
}

func toTicket(t domain.Ticket, qr string) ticketResponse {
	return ticketResponse{
		ID:                t.ID,
		OrderID:           t.OrderID,
		EventID:           t.EventID,
		TicketTypeID:      t.TicketTypeID,
		OwnerID:           t.OwnerID,
		Status:            t.Status,
		Barcode:           t.Barcode,
		CredentialVersion: t.CredentialVersion,
		QR:                qr,
		IssuedAt:          t.IssuedAt,
		UsedAt:            t.UsedAt,
		RefundedAt:        t.RefundedAt,
	}
}

func toScanner(s domain.Scanner, apiKey string) scannerResponse {
	return scannerResponse{
		ID:             s.ID,
		Name:           s.Name,
		OrganizationID: s.OrganizationID,
		EventID:        s.EventID,
		Status:         s.Status,
		CreatedAt:      s.CreatedAt,
		LastSyncAt:     s.LastSyncAt,
		APIKey:         apiKey,
	}
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, domain.InvalidInput("%s is not a valid id", name)
	}
	return id, nil
}

func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID uuid.UUID `json:"event_id"`
		Items   []struct {
			TicketTypeID uuid.UUID `json:"ticket_type_id"`
			Quantity     int       `json:"quantity"`
		} `json:"items"`
		PromoAdjustment int64 `json:"promo_adjustment"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]domain.ItemRequest, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.ItemRequest{TicketTypeID: it.TicketTypeID, Quantity: it.Quantity})
	}

	order, err := h.engine.CreateOrder(r.Context(), principalFrom(r.Context()), req.EventID, items, req.PromoAdjustment)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrder(order, nil))
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.engine.GetOrder(r.Context(), principalFrom(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrder(view.Order, view.Tickets))
}

// ConfirmOrder is called by the payment integration once the charge settles.
func (h *Handlers) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.engine.ConfirmOrder(r.Context(), principalFrom(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrder(view.Order, view.Tickets))
}

func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	order, err := h.engine.CancelOrder(r.Context(), principalFrom(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrder(order, nil))
}

func (h *Handlers) RefundOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		TicketIDs []uuid.UUID `json:"ticket_ids"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	order, err := h.engine.RefundOrder(r.Context(), principalFrom(r.Context()), id, req.TicketIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrder(order, nil))
}

func (h *Handlers) GetTicket(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, qr, err := h.engine.GetTicket(r.Context(), principalFrom(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTicket(t, qr))
}

func (h *Handlers) TransferTicket(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		NewOwnerID uuid.UUID `json:"new_owner_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.engine.TransferTicket(r.Context(), principalFrom(r.Context()), id, req.NewOwnerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// The new owner fetches the credential themselves.
	writeJSON(w, http.StatusOK, toTicket(t, ""))
}

func (h *Handlers) RegenerateCredential(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, qr, err := h.engine.RegenerateCredential(r.Context(), principalFrom(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTicket(t, qr))
}

func (h *Handlers) RegisterScanner(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string     `json:"name"`
		OrganizationID uuid.UUID  `json:"organization_id"`
		EventID        *uuid.UUID `json:"event_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	s, key, err := h.engine.RegisterScanner(r.Context(), principalFrom(r.Context()), scanners.RegisterRequest{
		Name:           req.Name,
		OrganizationID: req.OrganizationID,
		EventID:        req.EventID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toScanner(s, key))
}

func (h *Handlers) scannerTransition(op func(*engine.Engine, context.Context, domain.Principal, uuid.UUID) (domain.Scanner, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		s, err := op(h.engine, r.Context(), principalFrom(r.Context()), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toScanner(s, ""))
	}
}

func (h *Handlers) DisableScanner(w http.ResponseWriter, r *http.Request) {
	h.scannerTransition((*engine.Engine).DisableScanner)(w, r)
}

func (h *Handlers) EnableScanner(w http.ResponseWriter, r *http.Request) {
	h.scannerTransition((*engine.Engine).EnableScanner)(w, r)
}

func (h *Handlers) RevokeScanner(w http.ResponseWriter, r *http.Request) {
	h.scannerTransition((*engine.Engine).RevokeScanner)(w, r)
}

func (h *Handlers) Snapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var eventID *uuid.UUID
	if raw := q.Get("event_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, domain.InvalidInput("event_id is not a valid id"))
			return
		}
		eventID = &id
	}
	since, err := queryTime(q.Get("since"), "since")
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := h.engine.SyncSnapshot(r.Context(), scannerFrom(r.Context()), eventID, since)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Scan answers 200 for every recorded outcome, admitted or not. Errors are
// reserved for scans that could not be evaluated.
func (h *Handlers) Scan(w http.ResponseWriter, r *http.Request) {
	var req scanning.Request
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.engine.Scan(r.Context(), scannerFrom(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) ScanBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scans []scanning.Request `json:"scans"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	results, err := h.engine.ScanBatch(r.Context(), scannerFrom(r.Context()), req.Scans)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (h *Handlers) Occupancy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := h.engine.GetOccupancy(r.Context(), principalFrom(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) ScanLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := domain.ScanLogFilter{EventID: &id, SuccessOnly: q.Get("success") == "true"}
	if raw := q.Get("scanner_id"); raw != "" {
		sid, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, domain.InvalidInput("scanner_id is not a valid id"))
			return
		}
		filter.ScannerID = &sid
	}
	if filter.From, err = queryTime(q.Get("from"), "from"); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.To, err = queryTime(q.Get("to"), "to"); err != nil {
		writeError(w, r, err)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil {
			writeError(w, r, domain.InvalidInput("limit must be an integer"))
			return
		}
	}

	logs, err := h.engine.ScanLogs(r.Context(), principalFrom(r.Context()), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]scanLogResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, scanLogResponse{
			ID:           l.ID,
			ScannerID:    l.ScannerID,
			TicketID:     l.TicketID,
			ScanType:     l.ScanType,
			Success:      l.Success,
			Reason:       l.Reason,
			TicketStatus: l.TicketStatus,
			ScannedAt:    l.ScannedAt,
			RecordedAt:   l.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scan_logs": out})
}

func queryTime(raw, name string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, domain.InvalidInput("%s must be an RFC3339 timestamp", name)
	}
	return &t, nil
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			loggerFrom(r.Context()).WithError(err).WithField("dependency", name).Warn("not ready")
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
