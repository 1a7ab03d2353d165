package shared

// DeliverySaveLockKey builds the redis key guarding saves for one contact.
func DeliverySaveLockKey(entityKey string) string {
	return "delivery:save:" + entityKey + ":lock"
}
