package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// TransferHandler handles inter-branch transfer endpoints
type TransferHandler struct {
	service *service.TransferService
	logger  *logger.Logger
}

// NewTransferHandler creates a new transfer handler
func NewTransferHandler(svc *service.TransferService, log *logger.Logger) *TransferHandler {
	return &TransferHandler{
		service: svc,
		logger:  log,
	}
}

type transferItemRequest struct {
	ProductID string  `json:"product_id" validate:"required,uuid"`
	Quantity  int     `json:"quantity" validate:"gt=0"`
	BatchID   *string `json:"batch_id" validate:"omitempty,uuid"`
}

type requestTransferRequest struct {
	FromBranchID string                `json:"from_branch_id" validate:"required,uuid"`
	ToBranchID   string                `json:"to_branch_id" validate:"required,uuid,nefield=FromBranchID"`
	Notes        *string               `json:"notes" validate:"omitempty,max=1000"`
	Items        []transferItemRequest `json:"items" validate:"required,min=1,dive"`
}

// Request opens a pending transfer
func (h *TransferHandler) Request(w http.ResponseWriter, r *http.Request) {
	var req requestTransferRequest
	if err := httputil.Bind(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	in := service.RequestTransferInput{
		FromBranchID: req.FromBranchID,
		ToBranchID:   req.ToBranchID,
		RequestedBy:  actorID(r),
		Notes:        req.Notes,
		Items:        make([]service.TransferItemInput, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		in.Items = append(in.Items, service.TransferItemInput{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			BatchID:   item.BatchID,
		})
	}

	transfer, err := h.service.Request(r.Context(), in)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, transfer)
}

// List lists transfers touching a branch
func (h *TransferHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.service.List(r.Context(), repository.TransferFilter{
		BranchID: optionalQuery(r, "branch_id"),
		Status:   optionalQuery(r, "status"),
		Page:     page,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// Get gets a transfer with its items
func (h *TransferHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	transfer, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, transfer)
}

// Approve approves a pending transfer
func (h *TransferHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	transfer, err := h.service.Approve(r.Context(), id, actorID(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, transfer)
}

// Complete moves the stock of an approved transfer
func (h *TransferHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	transfer, err := h.service.Complete(r.Context(), id, actorIDPtr(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, transfer)
}
