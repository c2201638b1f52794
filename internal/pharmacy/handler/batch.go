package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/shopspring/decimal"
)

// BatchHandler handles batch and stock ledger endpoints
type BatchHandler struct {
	service *service.LedgerService
	logger  *logger.Logger
}

// NewBatchHandler creates a new batch handler
func NewBatchHandler(svc *service.LedgerService, log *logger.Logger) *BatchHandler {
	return &BatchHandler{
		service: svc,
		logger:  log,
	}
}

type createBatchRequest struct {
	ProductID    string          `json:"product_id" validate:"required,uuid"`
	BranchID     string          `json:"branch_id" validate:"omitempty,uuid"`
	BatchNumber  string          `json:"batch_number" validate:"required,max=100"`
	Quantity     int             `json:"quantity" validate:"gte=0"`
	ExpiryDate   string          `json:"expiry_date" validate:"required"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
}

type updateBatchRequest struct {
	BatchNumber  *string          `json:"batch_number" validate:"omitempty,max=100"`
	ExpiryDate   *string          `json:"expiry_date"`
	CostPrice    *decimal.Decimal `json:"cost_price"`
	SellingPrice *decimal.Decimal `json:"selling_price"`
	IsActive     *bool            `json:"is_active"`
}

type adjustStockRequest struct {
	Delta  int    `json:"delta" validate:"required"`
	Reason string `json:"reason" validate:"required,max=255"`
}

func parseExpiry(v string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, errors.Validation(map[string]string{"expiry_date": "expiry_date must be a date (YYYY-MM-DD)"})
	}
	return t, nil
}

// Create creates a new batch and journals its received stock
func (h *BatchHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := httputil.Bind(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	branchID, err := branchFor(r, req.BranchID)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	expiry, err := parseExpiry(req.ExpiryDate)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	batch, err := h.service.CreateBatch(r.Context(), service.CreateBatchInput{
		ProductID:    req.ProductID,
		BranchID:     branchID,
		BatchNumber:  req.BatchNumber,
		Quantity:     req.Quantity,
		ExpiryDate:   expiry,
		CostPrice:    req.CostPrice,
		SellingPrice: req.SellingPrice,
		PerformedBy:  actorIDPtr(r),
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, batch)
}

// ListAvailable lists sellable batches of a product at a branch, earliest expiry first
func (h *BatchHandler) ListAvailable(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("product_id")
	if productID == "" {
		httputil.Error(w, errors.Validation(map[string]string{"product_id": "this field is required"}))
		return
	}
	branchID, err := branchFor(r, r.URL.Query().Get("branch_id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	batches, err := h.service.FindAvailable(r.Context(), productID, branchID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batches)
}

// Get gets a batch by ID
func (h *BatchHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	batch, err := h.service.GetBatch(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batch)
}

// Update updates batch metadata. Quantity only changes through adjustments.
func (h *BatchHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateBatchRequest
	if err := httputil.Bind(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	in := service.UpdateBatchInput{
		BatchNumber:  req.BatchNumber,
		CostPrice:    req.CostPrice,
		SellingPrice: req.SellingPrice,
		IsActive:     req.IsActive,
	}
	if req.ExpiryDate != nil {
		expiry, err := parseExpiry(*req.ExpiryDate)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		in.ExpiryDate = &expiry
	}

	batch, err := h.service.UpdateBatch(r.Context(), id, in)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batch)
}

// Delete deletes a batch
func (h *BatchHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.DeleteBatch(r.Context(), id); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.NoContent(w)
}

// Adjust applies a signed manual stock adjustment
func (h *BatchHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	var req adjustStockRequest
	if err := httputil.Bind(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	adj, err := h.service.Adjust(r.Context(), service.AdjustInput{
		BatchID:     batchID,
		Delta:       req.Delta,
		Reason:      req.Reason,
		PerformedBy: actorIDPtr(r),
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, adj)
}

// ListAdjustments lists the ledger entries of a batch
func (h *BatchHandler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	adjustments, err := h.service.ListAdjustments(r.Context(), batchID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, adjustments)
}
