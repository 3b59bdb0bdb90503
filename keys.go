package fieldsync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Key builds a stable cache key for a logical endpoint and its query
// parameters. Parameters are serialized order-independently (sorted k=v
// pairs) and hashed, so two calls with the same parameters in any order
// produce the same key. The result has the shape "endpoint:hash".
func Key(endpoint string, params map[string]string) string {
	if len(params) == 0 {
		return endpoint
	}
	parts := make([]string, 0, len(params))
	for k, v := range params {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s:%s", endpoint, hashParams(parts))
}

// hashParams returns a short stable hash of the sorted parameter pairs.
func hashParams(parts []string) string {
	hasher := sha256.New()
	hasher.Write([]byte(strings.Join(parts, "&")))
	fullHash := hex.EncodeToString(hasher.Sum(nil))
	// First 8 hex chars keep keys short while staying collision-safe for the
	// handful of query shapes one endpoint sees.
	if len(fullHash) >= 8 {
		return fullHash[:8]
	}
	return fullHash
}

// EndpointOf extracts the logical endpoint from a cache key: the segment
// before the first ':'. Circuit breaker state is tracked at this granularity
// so one failing endpoint does not trip requests to healthy ones.
func EndpointOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}
