package testutil

import (
	"time"
)

// KnownTime is a fixed evaluation time used by tests. It corresponds to epoch 102453.
var KnownTime = time.Unix(1601379990, 0).UTC()

func KnownTimeNow() time.Time {
	return KnownTime
}
