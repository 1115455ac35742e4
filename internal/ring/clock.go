package ring

import (
	"errors"
	"time"
)

// ErrSealed is returned by Write once the buffer's owning session has
// terminated and no further output may be appended.
var ErrSealed = errors.New("ring: buffer is sealed")

func defaultClock() int64 {
	return time.Now().UnixMilli()
}
