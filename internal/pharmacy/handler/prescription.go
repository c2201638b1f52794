package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	service *service.PrescriptionService
	logger  *logger.Logger
}

// NewPrescriptionHandler creates a new prescription handler
func NewPrescriptionHandler(svc *service.PrescriptionService, log *logger.Logger) *PrescriptionHandler {
	return &PrescriptionHandler{
		service: svc,
		logger:  log,
	}
}

type prescriptionItemRequest struct {
	ProductID    string  `json:"product_id" validate:"required,uuid"`
	Quantity     int     `json:"quantity" validate:"gt=0"`
	Dosage       *string `json:"dosage" validate:"omitempty,max=255"`
	Instructions *string `json:"instructions" validate:"omitempty,max=1000"`
}

func (req prescriptionItemRequest) input() service.PrescriptionItemInput {
	return service.PrescriptionItemInput{
		ProductID:    req.ProductID,
		Quantity:     req.Quantity,
		Dosage:       req.Dosage,
		Instructions: req.Instructions,
	}
}

type createPrescriptionRequest struct {
	PrescriptionNumber string                    `json:"prescription_number" validate:"omitempty,max=50"`
	PatientID          string                    `json:"patient_id" validate:"required,uuid"`
	BranchID           string                    `json:"branch_id" validate:"omitempty,uuid"`
	DoctorName         *string                   `json:"doctor_name" validate:"omitempty,max=255"`
	Notes              *string                   `json:"notes" validate:"omitempty,max=1000"`
	Items              []prescriptionItemRequest `json:"items" validate:"required,min=1,dive"`
}

type updatePrescriptionItemRequest struct {
	Quantity     *int    `json:"quantity" validate:"omitempty,gt=0"`
	Dosage       *string `json:"dosage" validate:"omitempty,max=255"`
	Instructions *string `json:"instructions" validate:"omitempty,max=1000"`
}

type dispenseLineRequest struct {
	ItemID   string  `json:"item_id" validate:"required,uuid"`
	Quantity int     `json:"quantity" validate:"gt=0"`
	BatchID  *string `json:"batch_id" validate:"omitempty,uuid"`
	Notes    *string `json:"notes" validate:"omitempty,max=1000"`
}

type dispenseRequest struct {
	Items []dispenseLineRequest `json:"items" validate:"required,min=1,dive"`
}

// Create creates a prescription with its items
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPrescriptionRequest
	if err := httputil.Bind(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	branchID, err := branchFor(r, req.BranchID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	in := service.CreatePrescriptionInput{
		PrescriptionNumber: req.PrescriptionNumber,
		PatientID:          req.PatientID,
		BranchID:           branchID,
		DoctorName:         req.DoctorName,
		Notes:              req.Notes,
		Items:              make([]service.PrescriptionItemInput, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		in.Items = append(in.Items, item.input())
	}

	rx, err := h.service.Create(r.Context(), in)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, rx)
}

// Get gets a prescription with its items
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rx, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, rx)
}

// AddItem adds an item to a prescription
func (h *PrescriptionHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req prescriptionItemRequest
	if err := httputil.Bind(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	rx, err := h.service.AddItem(r.Context(), id, req.input())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, rx)
}

// UpdateItem updates a prescription item
func (h *PrescriptionHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	itemID := chi.URLParam(r, "itemId")

	var req updatePrescriptionItemRequest
	if err := httputil.Bind(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	rx, err := h.service.UpdateItem(r.Context(), id, itemID, service.UpdatePrescriptionItemInput{
		Quantity:     req.Quantity,
		Dosage:       req.Dosage,
		Instructions: req.Instructions,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, rx)
}

// RemoveItem removes an undispensed prescription item
func (h *PrescriptionHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	itemID := chi.URLParam(r, "itemId")

	rx, err := h.service.RemoveItem(r.Context(), id, itemID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, rx)
}

// Dispense records dispensed quantities against prescription items
func (h *PrescriptionHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req dispenseRequest
	if err := httputil.Bind(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	lines := make([]service.DispenseInput, 0, len(req.Items))
	for _, line := range req.Items {
		lines = append(lines, service.DispenseInput{
			ItemID:   line.ItemID,
			Quantity: line.Quantity,
			BatchID:  line.BatchID,
			Notes:    line.Notes,
		})
	}

	rx, err := h.service.DispenseItems(r.Context(), id, lines)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, rx)
}

// Cancel cancels a prescription
func (h *PrescriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rx, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, rx)
}
