package cache

// Key prefixes are namespaced so the instance can be shared.
const keyPrefix = "studio:"

// JobStatusKey is the cache key of one job's computed status payload.
func JobStatusKey(jobID string) string {
	return keyPrefix + "job_status:" + jobID
}
