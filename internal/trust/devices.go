// devices.go tracks observed device fingerprints. The fingerprint is a
// stable hash of the identifying headers the client presents; first-seen
// timestamps feed the device trust dimension.
package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/medrelay-project/medrelay/internal/core"
)

// Fingerprint derives a stable device fingerprint from the client-presented
// identifying headers. Header order does not affect the result.
func Fingerprint(ctx core.AuthContext) string {
	keys := []string{"user-agent", "accept-language", "accept-encoding"}
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, k+"="+ctx.Headers[strings.ToLower(k)])
	}
	sort.Strings(parts)
	parts = append(parts, "ua="+ctx.UserAgent)
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

type deviceRecord struct {
	firstSeen time.Time
	lastSeen  time.Time
}

// deviceTable records when each fingerprint was first observed. Read-modify-
// write happens under the lock so concurrent requests from one device cannot
// race the first-seen stamp.
type deviceTable struct {
	mu      sync.Mutex
	devices map[string]*deviceRecord
}

func newDeviceTable() *deviceTable {
	return &deviceTable{devices: make(map[string]*deviceRecord)}
}

// observe records a sighting and reports when the device was first seen and
// whether this sighting is the first.
func (t *deviceTable) observe(fingerprint string, now time.Time) (firstSeen time.Time, isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.devices[fingerprint]
	if !ok {
		t.devices[fingerprint] = &deviceRecord{firstSeen: now, lastSeen: now}
		return now, true
	}
	rec.lastSeen = now
	return rec.firstSeen, false
}
