package ledger

// Delivered sums the recorded deliveries of an item. Never negative.
func Delivered(it Item) int {
	total := 0
	for _, d := range it.Deliveries {
		total += d.Quantity
	}
	return max(total, 0)
}

// Pending returns the undelivered quantity of an item. A backend override
// is authoritative; otherwise it is the total minus what was delivered.
func Pending(it Item) int {
	if it.PendingOverride != nil {
		return max(*it.PendingOverride, 0)
	}
	return max(it.Quantity-Delivered(it), 0)
}

// HasAnyDeliveries reports whether anything about the offer indicates that
// material was already handed over.
func HasAnyDeliveries(o Offer) bool {
	if o.DeliveredFlag || o.DeliveredCounter > 0 {
		return true
	}
	for _, it := range o.Items {
		if len(it.Deliveries) > 0 || it.DeliveredCounter > 0 {
			return true
		}
		if it.PendingOverride != nil && *it.PendingOverride < it.Quantity {
			return true
		}
	}
	return false
}

// Append records new deliveries on the item at index i and refreshes a
// backend pending override so it stays consistent with the new total.
func (o *Offer) Append(i int, deliveries ...Delivery) {
	it := &o.Items[i]
	it.Deliveries = append(it.Deliveries, deliveries...)
	if it.PendingOverride != nil {
		added := 0
		for _, d := range deliveries {
			added += d.Quantity
		}
		pending := max(*it.PendingOverride-added, 0)
		it.PendingOverride = &pending
	}
}
