package instance

import "os"

// GetID identifies this worker process in logs. Deployments set WORKER_ID
// per replica; the fallback covers local runs with a single process.
func GetID() string {
	if id, ok := os.LookupEnv("WORKER_ID"); ok && id != "" {
		return id
	}
	return "worker-0"
}
