package admission

import (
	"fmt"
	"net/url"
)

// keys builds the deterministic Redis key set for a principal and second
// bucket, all namespaced under a configured prefix.
type keys struct {
	prefix string
}

func newKeys(prefix string) keys {
	return keys{prefix: prefix}
}

func (k keys) userInFlight(principalKey string) string {
	return fmt.Sprintf("%s:inflight:user:%s", k.prefix, url.QueryEscape(principalKey))
}

func (k keys) globalInFlight() string {
	return fmt.Sprintf("%s:inflight:global", k.prefix)
}

func (k keys) msgRate(secBucket int64) string {
	return fmt.Sprintf("%s:rate:msg:%d", k.prefix, secBucket)
}

func (k keys) toolRate(secBucket int64) string {
	return fmt.Sprintf("%s:rate:tool:%d", k.prefix, secBucket)
}

func (k keys) ticket(ticketID string) string {
	return fmt.Sprintf("%s:ticket:%s", k.prefix, ticketID)
}
