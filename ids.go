package chatsync

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

const tempIDPrefix = "temp-"

// newTempID returns a client-side placeholder id. The timestamp keeps ids
// readable in logs; the uuid keeps them unique across devices.
func newTempID(now time.Time) string {
	return tempIDPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()
}
