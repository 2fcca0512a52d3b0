package opview

import (
	"strconv"
	"time"

	"desk/cmd/identity/ids"
)

// newFrameID returns a ULID; the fallback keeps frames valid if entropy fails.
func newFrameID(now time.Time) string {
	if id, err := ids.NewULID(now); err == nil {
		return id
	}
	return "f" + strconv.FormatInt(now.UnixNano(), 36)
}
