package realtime

import (
	"time"

	"desk/cmd/identity/ids"
)

// newEnvelopeID returns a ULID used as envelope id; ULIDs sort by time in logs.
// A failing entropy source yields an empty id rather than a dropped frame.
func newEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
