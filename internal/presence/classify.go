package presence

import "time"

// Classification is the liveness verdict a reader derives from a record.
type Classification string

const (
	ClassifiedOnline  Classification = "online"
	ClassifiedOffline Classification = "offline"
)

// DefaultStaleThreshold is the maximum age of a presence update before a
// reader treats the user as offline. Product-tuned, not a law; override it
// through configuration.
const DefaultStaleThreshold = 30 * time.Second

// Classify derives the online/offline view of a record at the given instant.
//
// A record is online iff its writer last set status online and the last
// accepted write is no older than the stale threshold. Staleness is the
// backstop for a writer that died without its disconnect hook firing, so
// every reader must re-apply Classify on each delivery rather than cache
// the verdict with the record. A record exactly at the threshold is online.
func Classify(record Record, now time.Time, staleThreshold time.Duration) Classification {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	if record.Status != StatusOnline {
		return ClassifiedOffline
	}
	if now.Sub(record.UpdatedAt) > staleThreshold {
		return ClassifiedOffline
	}
	return ClassifiedOnline
}
