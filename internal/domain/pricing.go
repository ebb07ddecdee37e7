package domain

// LineItemTotal returns the extended amount for a single line item.
func LineItemTotal(item OrderLineItem) int64 {
	if item.Quantity <= 0 || item.UnitPrice < 0 {
		return 0
	}
	return int64(item.Quantity) * item.UnitPrice
}

// OrderTotal derives an order's total from its line items in minor units.
// An empty item set yields zero; creation with zero items is rejected before
// this is ever persisted.
func OrderTotal(items []OrderLineItem) int64 {
	var total int64
	for _, item := range items {
		total += LineItemTotal(item)
	}
	return total
}
