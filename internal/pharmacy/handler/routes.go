package handler

import (
	"github.com/go-chi/chi/v5"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/permissions"
)

// Services groups the services the HTTP surface is built on
type Services struct {
	Ledger        *service.LedgerService
	Transfers     *service.TransferService
	Sales         *service.SaleService
	Prescriptions *service.PrescriptionService
	Claims        *service.ClaimService
}

// Handlers groups the pharmacy HTTP handlers
type Handlers struct {
	Batches       *BatchHandler
	Transfers     *TransferHandler
	Sales         *SaleHandler
	Prescriptions *PrescriptionHandler
	Claims        *ClaimHandler
}

// NewHandlers creates every handler over svc
func NewHandlers(svc Services, log *logger.Logger) Handlers {
	return Handlers{
		Batches:       NewBatchHandler(svc.Ledger, log),
		Transfers:     NewTransferHandler(svc.Transfers, log),
		Sales:         NewSaleHandler(svc.Sales, svc.Claims, log),
		Prescriptions: NewPrescriptionHandler(svc.Prescriptions, log),
		Claims:        NewClaimHandler(svc.Claims, log),
	}
}

// Routes mounts the pharmacy API on r. Callers install Authenticate first.
func (h Handlers) Routes(r chi.Router) {
	require := httputil.RequirePermission

	// Batch routes
	r.Route("/batches", func(r chi.Router) {
		r.With(require(permissions.BatchesRead)).Get("/", h.Batches.ListAvailable)
		r.With(require(permissions.BatchesWrite)).Post("/", h.Batches.Create)
		r.With(require(permissions.BatchesRead)).Get("/{id}", h.Batches.Get)
		r.With(require(permissions.BatchesWrite)).Put("/{id}", h.Batches.Update)
		r.With(require(permissions.BatchesWrite)).Delete("/{id}", h.Batches.Delete)
		r.With(require(permissions.StockAdjust)).Post("/{id}/adjust", h.Batches.Adjust)
		r.With(require(permissions.BatchesRead)).Get("/{id}/adjustments", h.Batches.ListAdjustments)
	})

	// Transfer routes
	r.Route("/transfers", func(r chi.Router) {
		r.With(require(permissions.TransfersRead)).Get("/", h.Transfers.List)
		r.With(require(permissions.TransfersRequest)).Post("/", h.Transfers.Request)
		r.With(require(permissions.TransfersRead)).Get("/{id}", h.Transfers.Get)
		r.With(require(permissions.TransfersApprove)).Post("/{id}/approve", h.Transfers.Approve)
		r.With(require(permissions.TransfersComplete)).Post("/{id}/complete", h.Transfers.Complete)
	})

	// Sale routes
	r.Route("/sales", func(r chi.Router) {
		r.With(require(permissions.SalesRead)).Get("/", h.Sales.List)
		r.With(require(permissions.SalesCreate)).Post("/", h.Sales.Create)
		r.With(require(permissions.SalesRead)).Get("/{id}", h.Sales.Get)
		r.With(require(permissions.SalesCancel)).Post("/{id}/cancel", h.Sales.Cancel)
		r.With(require(permissions.SalesPayment)).Patch("/{id}/payment-status", h.Sales.UpdatePaymentStatus)
		r.With(require(permissions.ClaimsRead)).Get("/{id}/claim", h.Sales.GetClaim)
	})

	// Prescription routes
	r.Route("/prescriptions", func(r chi.Router) {
		r.With(require(permissions.PrescriptionsWrite)).Post("/", h.Prescriptions.Create)
		// cashiers look prescriptions up while ringing a sale
		r.With(httputil.RequireAnyPermission(permissions.PrescriptionsRead, permissions.SalesCreate)).Get("/{id}", h.Prescriptions.Get)
		r.With(require(permissions.PrescriptionsWrite)).Post("/{id}/items", h.Prescriptions.AddItem)
		r.With(require(permissions.PrescriptionsWrite)).Put("/{id}/items/{itemId}", h.Prescriptions.UpdateItem)
		r.With(require(permissions.PrescriptionsWrite)).Delete("/{id}/items/{itemId}", h.Prescriptions.RemoveItem)
		r.With(require(permissions.PrescriptionsDispense)).Post("/{id}/dispense", h.Prescriptions.Dispense)
		r.With(require(permissions.PrescriptionsWrite)).Post("/{id}/cancel", h.Prescriptions.Cancel)
	})

	// Claim routes
	r.Route("/claims", func(r chi.Router) {
		r.With(require(permissions.ClaimsRead)).Get("/{id}", h.Claims.Get)
		r.With(require(permissions.ClaimsAdjudicate)).Put("/{id}/items", h.Claims.UpdateItems)
		r.With(require(permissions.ClaimsAdjudicate)).Patch("/{id}/status", h.Claims.UpdateStatus)
	})
}
