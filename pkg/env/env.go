package env

import "os"

// Get reads an environment variable, falling back to a default when the
// variable is unset or empty.
func Get(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
