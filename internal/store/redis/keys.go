package redis

const (
	// KeyPrefixService is the prefix for persisted service records
	KeyPrefixService = "hestia:service:"
	// KeyPrefixActivity is the prefix for per-service activity history lists
	KeyPrefixActivity = "hestia:activity:"
	// KeyAPIKeys is the set of valid API keys
	KeyAPIKeys = "hestia:apikeys"
	// KeyAllServices is the key for the set of all service IDs
	KeyAllServices = "hestia:services:all"
)

// ServiceKey returns the Redis key for a service record by ID
func ServiceKey(id string) string {
	return KeyPrefixService + id
}

// ActivityKey returns the Redis key for a service's activity history
func ActivityKey(id string) string {
	return KeyPrefixActivity + id
}
