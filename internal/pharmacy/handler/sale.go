package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/shopspring/decimal"
)

// SaleHandler handles sale endpoints
type SaleHandler struct {
	service *service.SaleService
	claims  *service.ClaimService
	logger  *logger.Logger
}

// NewSaleHandler creates a new sale handler
func NewSaleHandler(svc *service.SaleService, claims *service.ClaimService, log *logger.Logger) *SaleHandler {
	return &SaleHandler{
		service: svc,
		claims:  claims,
		logger:  log,
	}
}

type saleItemRequest struct {
	BatchID   string           `json:"batch_id" validate:"required,uuid"`
	Quantity  int              `json:"quantity" validate:"gt=0"`
	UnitPrice *decimal.Decimal `json:"unit_price"`
	Discount  *decimal.Decimal `json:"discount"`
}

type createSaleRequest struct {
	BranchID           string            `json:"branch_id" validate:"omitempty,uuid"`
	CustomerName       *string           `json:"customer_name" validate:"omitempty,max=255"`
	PatientID          *string           `json:"patient_id" validate:"omitempty,uuid"`
	PrescriptionID     *string           `json:"prescription_id" validate:"omitempty,uuid"`
	PatientInsuranceID *string           `json:"patient_insurance_id" validate:"omitempty,uuid"`
	PaymentMethod      string            `json:"payment_method" validate:"required,max=50"`
	PaymentStatus      *string           `json:"payment_status" validate:"omitempty,oneof=PAID PENDING"`
	Items              []saleItemRequest `json:"items" validate:"required,min=1,dive"`
}

type updatePaymentStatusRequest struct {
	PaymentStatus string `json:"payment_status" validate:"required,oneof=PAID PENDING"`
}

// Create records a sale, moving stock and settling prescription and insurance
func (h *SaleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSaleRequest
	if err := httputil.Bind(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	branchID, err := branchFor(r, req.BranchID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	in := service.CreateSaleInput{
		BranchID:           branchID,
		SoldByID:           actorID(r),
		CustomerName:       req.CustomerName,
		PatientID:          req.PatientID,
		PrescriptionID:     req.PrescriptionID,
		PatientInsuranceID: req.PatientInsuranceID,
		PaymentMethod:      req.PaymentMethod,
		PaymentStatus:      req.PaymentStatus,
		Items:              make([]service.SaleItemInput, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		in.Items = append(in.Items, service.SaleItemInput{
			BatchID:   item.BatchID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Discount:  item.Discount,
		})
	}

	sale, err := h.service.Create(r.Context(), in)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, sale)
}

// List lists sales, newest first
func (h *SaleHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	from, err := optionalTime(r, "from")
	if err != nil {
		httputil.Error(w, err)
		return
	}
	to, err := optionalTime(r, "to")
	if err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.service.List(r.Context(), repository.SaleFilter{
		BranchID:       optionalQuery(r, "branch_id"),
		PatientID:      optionalQuery(r, "patient_id"),
		PrescriptionID: optionalQuery(r, "prescription_id"),
		PaymentStatus:  optionalQuery(r, "payment_status"),
		From:           from,
		To:             to,
		Page:           page,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// Get gets a sale with its items
func (h *SaleHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sale, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, sale)
}

// Cancel cancels a sale and restores its stock
func (h *SaleHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sale, err := h.service.Cancel(r.Context(), id, actorIDPtr(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, sale)
}

// UpdatePaymentStatus updates the payment status of a sale
func (h *SaleHandler) UpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updatePaymentStatusRequest
	if err := httputil.Bind(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	sale, err := h.service.UpdatePaymentStatus(r.Context(), id, req.PaymentStatus)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, sale)
}

// GetClaim gets the insurance claim generated by a sale
func (h *SaleHandler) GetClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	claim, err := h.claims.GetBySale(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, claim)
}
