package process

import (
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// StartTime returns the creation time of pid, or the zero time when it is
// unavailable.
func StartTime(pid int) time.Time {
	if pid <= 0 {
		return time.Time{}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
