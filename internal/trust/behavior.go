// behavior.go maintains per-(user,ip) request histograms over a rolling
// one-hour window for the behavior trust dimension.
package trust

import (
	"sync"
	"time"
)

const behaviorWindow = time.Hour

// AnomalyUnusualEndpoint flags a single endpoint dominating the access
// histogram (count above 3x the mean across tracked endpoints).
const AnomalyUnusualEndpoint = "UNUSUAL_ENDPOINT_ACCESS"

type behaviorHit struct {
	at       time.Time
	endpoint string
}

type behaviorRecord struct {
	hits      []behaviorHit
	endpoints map[string]int
	total     int
}

// behaviorTable tracks endpoint access patterns keyed by user+ip. All
// mutation happens under the lock; entries are window-pruned on every touch.
type behaviorTable struct {
	mu      sync.Mutex
	records map[string]*behaviorRecord
}

func newBehaviorTable() *behaviorTable {
	return &behaviorTable{records: make(map[string]*behaviorRecord)}
}

// observe records one request and returns the anomalies detected, plus
// whether enough history exists to consider the baseline established.
func (t *behaviorTable) observe(userID, ip, endpoint string, now time.Time) (anomalies []string, baselined bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := userID + "|" + ip
	rec, ok := t.records[key]
	if !ok {
		rec = &behaviorRecord{endpoints: make(map[string]int)}
		t.records[key] = rec
	}

	// Prune the sliding window. Each expired hit is removed from the
	// histogram so counts reflect only the last hour.
	cutoff := now.Add(-behaviorWindow)
	kept := rec.hits[:0]
	for _, h := range rec.hits {
		if !h.at.After(cutoff) {
			if rec.endpoints[h.endpoint]--; rec.endpoints[h.endpoint] <= 0 {
				delete(rec.endpoints, h.endpoint)
			}
			continue
		}
		kept = append(kept, h)
	}
	rec.hits = append(kept, behaviorHit{at: now, endpoint: endpoint})
	rec.endpoints[endpoint]++
	rec.total++

	// Flag an endpoint whose count exceeds 3x the mean across endpoints.
	if len(rec.endpoints) > 1 {
		sum := 0
		for _, c := range rec.endpoints {
			sum += c
		}
		mean := float64(sum) / float64(len(rec.endpoints))
		if float64(rec.endpoints[endpoint]) > 3*mean {
			anomalies = append(anomalies, AnomalyUnusualEndpoint)
		}
	}

	return anomalies, rec.total >= 50
}
