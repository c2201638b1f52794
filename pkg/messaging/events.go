package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// User events (consumed)
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"

	// Stock events
	EventStockAdjusted = "pharmacy.stock.adjusted"

	// Transfer events
	EventTransferRequested = "pharmacy.transfer.requested"
	EventTransferApproved  = "pharmacy.transfer.approved"
	EventTransferCompleted = "pharmacy.transfer.completed"

	// Sale events
	EventSaleCreated   = "pharmacy.sale.created"
	EventSaleCancelled = "pharmacy.sale.cancelled"

	// Prescription events
	EventPrescriptionUpdated = "pharmacy.prescription.updated"

	// Claim events
	EventClaimSubmitted = "pharmacy.claim.submitted"
	EventClaimUpdated   = "pharmacy.claim.updated"
)

// Exchange names
const (
	ExchangeUserEvents     = "user.events"
	ExchangePharmacyEvents = "pharmacy.events"
	ExchangeDeadLetter     = "dlx.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            GenerateEventID(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	return uuid.New().String()
}

// User Events

// UserCreatedEvent is published by the user service when a user is created
type UserCreatedEvent struct {
	UserID     string  `json:"user_id"`
	Email      string  `json:"email"`
	FirstName  string  `json:"first_name"`
	LastName   string  `json:"last_name"`
	RoleName   string  `json:"role_name"`
	PharmacyID string  `json:"pharmacy_id"`
	BranchID   *string `json:"branch_id,omitempty"`
}

// UserUpdatedEvent carries the changed fields as {"field": {"from": x, "to": y}}
type UserUpdatedEvent struct {
	UserID string         `json:"user_id"`
	Fields map[string]any `json:"fields"`
}

// ChangedString returns the new value of a changed string field
func (e *UserUpdatedEvent) ChangedString(field string) (string, bool) {
	change, ok := e.Fields[field].(map[string]any)
	if !ok {
		return "", false
	}
	to, ok := change["to"].(string)
	return to, ok
}

// UserDeletedEvent is published when a user is deleted
type UserDeletedEvent struct {
	UserID string `json:"user_id"`
}

// Stock Events

// StockAdjustedEvent is published for every ledger entry
type StockAdjustedEvent struct {
	BatchID       string  `json:"batch_id"`
	ProductID     string  `json:"product_id"`
	BranchID      string  `json:"branch_id"`
	Delta         int     `json:"delta"`
	NewQuantity   int     `json:"new_quantity"`
	Reason        string  `json:"reason"`
	ReferenceType *string `json:"reference_type,omitempty"`
	ReferenceID   *string `json:"reference_id,omitempty"`
	PerformedBy   *string `json:"performed_by,omitempty"`
}

// Transfer Events

// TransferEvent is published on every transfer state change
type TransferEvent struct {
	TransferID   string  `json:"transfer_id"`
	FromBranchID string  `json:"from_branch_id"`
	ToBranchID   string  `json:"to_branch_id"`
	Status       string  `json:"status"`
	RequestedBy  string  `json:"requested_by"`
	ApprovedBy   *string `json:"approved_by,omitempty"`
	ItemCount    int     `json:"item_count"`
}

// Sale Events

// SaleEvent is published when a sale is created or cancelled
type SaleEvent struct {
	SaleID         string  `json:"sale_id"`
	InvoiceNumber  string  `json:"invoice_number"`
	BranchID       string  `json:"branch_id"`
	SoldByID       string  `json:"sold_by_id"`
	PatientID      *string `json:"patient_id,omitempty"`
	PrescriptionID *string `json:"prescription_id,omitempty"`
	Total          string  `json:"total"`
	PatientPaid    string  `json:"patient_paid"`
	InsurancePaid  *string `json:"insurance_paid,omitempty"`
	PaymentStatus  string  `json:"payment_status"`
}

// Prescription Events

// PrescriptionUpdatedEvent is published when a prescription's progress or status changes
type PrescriptionUpdatedEvent struct {
	PrescriptionID     string `json:"prescription_id"`
	PrescriptionNumber string `json:"prescription_number"`
	PatientID          string `json:"patient_id"`
	Status             string `json:"status"`
}

// Claim Events

// ClaimEvent is published when a claim is submitted or changes
type ClaimEvent struct {
	ClaimID               string `json:"claim_id"`
	ClaimNumber           string `json:"claim_number"`
	SaleID                string `json:"sale_id"`
	ProviderID            string `json:"provider_id"`
	Status                string `json:"status"`
	CoveredAmount         string `json:"covered_amount"`
	PatientResponsibility string `json:"patient_responsibility"`
}
