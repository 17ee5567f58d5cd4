package workload

import "math/rand"

// Kind is one of the operations the workload can perform.
type Kind int

// The operations in weight-table order.
const (
	CreateCustomerWithOrder Kind = iota
	AdvanceOrderStatus
	AddOrderToExistingCustomer
	UpdateCustomerContact
	DeleteCancelableOrderItem
)

type kindInfo struct {
	name   string
	weight int
}

// kindTable holds every Kind with its name and relative frequency. The weights add up to 100.
var kindTable = [...]kindInfo{
	CreateCustomerWithOrder:    {name: "create-customer-with-order", weight: 40},
	AdvanceOrderStatus:         {name: "advance-order-status", weight: 30},
	AddOrderToExistingCustomer: {name: "add-order-to-existing-customer", weight: 15},
	UpdateCustomerContact:      {name: "update-customer-contact", weight: 10},
	DeleteCancelableOrderItem:  {name: "delete-cancelable-order-item", weight: 5},
}

var totalWeight = func() int {
	total := 0
	for _, info := range kindTable {
		total += info.weight
	}

	return total
}()

// Kinds returns every Kind in weight-table order.
func Kinds() []Kind {
	kinds := make([]Kind, len(kindTable))
	for i := range kindTable {
		kinds[i] = Kind(i)
	}

	return kinds
}

// String returns the operation name used in logs and metric labels.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindTable) {
		return "unknown"
	}

	return kindTable[k].name
}

// Weight returns the relative frequency of k out of 100.
func (k Kind) Weight() int {
	if k < 0 || int(k) >= len(kindTable) {
		return 0
	}

	return kindTable[k].weight
}

// Pick draws a Kind with probability proportional to its weight.
func Pick(r *rand.Rand) Kind {
	choice := r.Intn(totalWeight)

	cumulative := 0
	for i, info := range kindTable {
		cumulative += info.weight
		if choice < cumulative {
			return Kind(i)
		}
	}

	return CreateCustomerWithOrder
}
