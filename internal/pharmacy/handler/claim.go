package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/shopspring/decimal"
)

// ClaimHandler handles insurance claim endpoints
type ClaimHandler struct {
	service *service.ClaimService
	logger  *logger.Logger
}

// NewClaimHandler creates a new claim handler
func NewClaimHandler(svc *service.ClaimService, log *logger.Logger) *ClaimHandler {
	return &ClaimHandler{
		service: svc,
		logger:  log,
	}
}

type claimItemUpdateRequest struct {
	ID               string           `json:"id" validate:"required,uuid"`
	ApprovedQuantity int              `json:"approved_quantity" validate:"gte=0"`
	ApprovedAmount   *decimal.Decimal `json:"approved_amount"`
	RejectionReason  *string          `json:"rejection_reason" validate:"omitempty,max=500"`
}

type updateClaimItemsRequest struct {
	Items []claimItemUpdateRequest `json:"items" validate:"required,min=1,dive"`
}

type updateClaimStatusRequest struct {
	Status string  `json:"status" validate:"required,oneof=SUBMITTED APPROVED PARTIALLY_APPROVED REJECTED PAID CANCELLED"`
	Notes  *string `json:"notes" validate:"omitempty,max=1000"`
}

// Get gets a claim with its items
func (h *ClaimHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	claim, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, claim)
}

// UpdateItems records the insurer's adjudication per claim item
func (h *ClaimHandler) UpdateItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateClaimItemsRequest
	if err := httputil.Bind(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	updates := make([]service.ClaimItemUpdate, 0, len(req.Items))
	for _, item := range req.Items {
		updates = append(updates, service.ClaimItemUpdate{
			ID:               item.ID,
			ApprovedQuantity: item.ApprovedQuantity,
			ApprovedAmount:   item.ApprovedAmount,
			RejectionReason:  item.RejectionReason,
		})
	}

	claim, err := h.service.UpdateItems(r.Context(), id, updates)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, claim)
}

// UpdateStatus moves a claim through its lifecycle
func (h *ClaimHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateClaimStatusRequest
	if err := httputil.Bind(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	claim, err := h.service.UpdateStatus(r.Context(), id, req.Status, req.Notes)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, claim)
}
