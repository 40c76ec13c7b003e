package admission

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// newTicketID returns a UUID, falling back to a timestamp+random identifier
// only if UUID generation itself errors (practically never on Linux, but the
// component design calls for a fallback rather than a panic).
func newTicketID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("ticket_%d_%d", time.Now().UnixNano(), rand.Int63())
	}
	return id.String()
}
