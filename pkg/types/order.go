package types

import "time"

// OrderStatus represents the lifecycle state of a lab order
type OrderStatus string

const (
	OrderStatusRequested       OrderStatus = "requested"
	OrderStatusSampleCollected OrderStatus = "sample_collected"
	OrderStatusResultAwaited   OrderStatus = "result_awaited"
	OrderStatusCompleted       OrderStatus = "completed"
	OrderStatusReferred        OrderStatus = "referred"
)

// legalTransitions is the order state machine. referred is terminal;
// completed may still escalate to referred.
var legalTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusRequested:       {OrderStatusSampleCollected, OrderStatusReferred},
	OrderStatusSampleCollected: {OrderStatusResultAwaited, OrderStatusReferred},
	OrderStatusResultAwaited:   {OrderStatusCompleted, OrderStatusReferred},
	OrderStatusCompleted:       {OrderStatusReferred},
	OrderStatusReferred:        {},
}

// IsValid reports whether the status is a known order status
func (s OrderStatus) IsValid() bool {
	_, ok := legalTransitions[s]
	return ok
}

// CanTransitionTo reports whether the state machine allows moving to next
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OrderPriority represents the clinical urgency of a lab order
type OrderPriority string

const (
	PriorityRoutine OrderPriority = "routine"
	PriorityUrgent  OrderPriority = "urgent"
	PriorityStat    OrderPriority = "stat"
)

// IsValid reports whether the priority is a known value
func (p OrderPriority) IsValid() bool {
	switch p {
	case PriorityRoutine, PriorityUrgent, PriorityStat:
		return true
	}
	return false
}

// OrderedTest is a single test requested on a lab order
type OrderedTest struct {
	Name         string `json:"name"`
	Code         string `json:"code"`
	SpecimenType string `json:"specimenType"`
	LoincCode    string `json:"loincCode,omitempty"`
	Unit         string `json:"unit,omitempty"`
	RefRange     string `json:"refRange,omitempty"`
}

// LabOrder represents a manually placed lab order and its requisition artifacts
type LabOrder struct {
	OrderID           string        `json:"orderId"`
	TenantID          string        `json:"tenantId"`
	PatientID         string        `json:"patientId"`
	OrderedBy         string        `json:"orderedBy"`
	Tests             []OrderedTest `json:"tests"`
	Indication        string        `json:"indication"`
	Priority          OrderPriority `json:"priority"`
	Status            OrderStatus   `json:"status"`
	Notes             string        `json:"notes,omitempty"`
	ConsentObtained   bool          `json:"consentObtained"`
	ConsentTimestamp  time.Time     `json:"consentTimestamp"`
	ConsentObtainedBy string        `json:"consentObtainedBy"`
	BarcodeData       string        `json:"barcodeData,omitempty"`
	RequisitionURL    string        `json:"requisitionUrl,omitempty"`
	LocationID        string        `json:"locationId,omitempty"`
	IsDeleted         bool          `json:"isDeleted"`
	CreatedBy         string        `json:"createdBy"`
	UpdatedBy         string        `json:"updatedBy"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// HasTestCode reports whether the order includes the given test code
func (o *LabOrder) HasTestCode(code string) bool {
	for _, t := range o.Tests {
		if t.Code == code {
			return true
		}
	}
	return false
}

// TestByCode returns the ordered test with the given code, if present
func (o *LabOrder) TestByCode(code string) (OrderedTest, bool) {
	for _, t := range o.Tests {
		if t.Code == code {
			return t, true
		}
	}
	return OrderedTest{}, false
}

// OrderFilter captures the listing/filtering query surface for lab orders
type OrderFilter struct {
	TenantID  string
	Status    OrderStatus
	Priority  OrderPriority
	PatientID string
	OrderedBy string
	Location  string
	DateFrom  time.Time
	DateTo    time.Time
	Search    string
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
}

// CreateOrderRequest is the inbound payload for order creation
type CreateOrderRequest struct {
	PatientID       string        `json:"patientId"`
	Tests           []OrderedTest `json:"tests"`
	Indication      string        `json:"indication"`
	Priority        OrderPriority `json:"priority"`
	ConsentObtained bool          `json:"consentObtained"`
	ConsentBy       string        `json:"consentObtainedBy"`
	LocationID      string        `json:"locationId,omitempty"`
	Notes           string        `json:"notes,omitempty"`
}

// MaxTestsPerOrder bounds the ordered-test list
const MaxTestsPerOrder = 20
