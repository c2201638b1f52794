// Package permissions checks the permission strings carried in access tokens
// against the permission a route requires, with support for wildcards.
//
// Permission Format:
//   - "*" - Full access (all permissions)
//   - "resource.*" - All actions below a resource (e.g., "pharmacy.sales.*")
//   - "resource.action" - Specific action (e.g., "pharmacy.sales.create")
package permissions

import (
	"strings"
)

// Pharmacy permissions
const (
	BatchesRead   = "pharmacy.batches.read"
	BatchesWrite  = "pharmacy.batches.write"
	StockAdjust   = "pharmacy.stock.adjust"
	TransfersRead = "pharmacy.transfers.read"

	TransfersRequest  = "pharmacy.transfers.request"
	TransfersApprove  = "pharmacy.transfers.approve"
	TransfersComplete = "pharmacy.transfers.complete"

	SalesRead    = "pharmacy.sales.read"
	SalesCreate  = "pharmacy.sales.create"
	SalesCancel  = "pharmacy.sales.cancel"
	SalesPayment = "pharmacy.sales.payment"

	PrescriptionsRead     = "pharmacy.prescriptions.read"
	PrescriptionsWrite    = "pharmacy.prescriptions.write"
	PrescriptionsDispense = "pharmacy.prescriptions.dispense"

	ClaimsRead       = "pharmacy.claims.read"
	ClaimsAdjudicate = "pharmacy.claims.adjudicate"
)

// HasPermission checks if the user's permissions include the required permission.
// Supports wildcard matching:
//   - "*" matches everything
//   - "pharmacy.*" matches "pharmacy.sales.read" and every other pharmacy permission
//   - Exact match for specific permissions
func HasPermission(userPerms []string, required string) bool {
	if required == "" {
		return true
	}

	for _, p := range userPerms {
		if p == "*" || p == required {
			return true
		}
		if strings.HasSuffix(p, ".*") {
			prefix := strings.TrimSuffix(p, ".*")
			if strings.HasPrefix(required, prefix+".") {
				return true
			}
		}
	}
	return false
}

// HasAnyPermission checks if the user has any of the required permissions.
func HasAnyPermission(userPerms []string, required []string) bool {
	for _, req := range required {
		if HasPermission(userPerms, req) {
			return true
		}
	}
	return false
}

// All lists every pharmacy permission. Token grants outside it are ignored.
var All = []string{
	BatchesRead, BatchesWrite, StockAdjust,
	TransfersRead, TransfersRequest, TransfersApprove, TransfersComplete,
	SalesRead, SalesCreate, SalesCancel, SalesPayment,
	PrescriptionsRead, PrescriptionsWrite, PrescriptionsDispense,
	ClaimsRead, ClaimsAdjudicate,
}

// IsValidPermission reports whether perm is a known permission or a wildcard
// that covers at least one of them
func IsValidPermission(perm string) bool {
	if perm == "*" {
		return true
	}
	for _, p := range All {
		if p == perm {
			return true
		}
	}
	if strings.HasSuffix(perm, ".*") {
		for _, p := range All {
			if HasPermission([]string{perm}, p) {
				return true
			}
		}
	}
	return false
}
