package process

import (
	"errors"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrNoProcess is returned when the target of a termination request does
// not exist.
var ErrNoProcess = errors.New("no such process")

// TreeKiller terminates a process and all of its descendants.
type TreeKiller interface {
	// KillTree asks pid and its descendants to terminate, or kills them
	// outright when force is set.
	KillTree(pid int, force bool) error
}

// TreeKill is the operating-system TreeKiller.
type TreeKill struct{}

func (TreeKill) KillTree(pid int, force bool) error { return killTree(pid, force) }

// Descendants returns the pids of all transitive children of pid, parents
// before their children. The tree is built from a single snapshot of the
// process table so it is consistent even while members exit.
func Descendants(pid int) []int {
	if pid <= 0 {
		return nil
	}
	procs, err := gopsproc.Processes()
	if err != nil {
		return nil
	}
	children := make(map[int32][]int32, len(procs))
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil || ppid == p.Pid {
			continue
		}
		children[ppid] = append(children[ppid], p.Pid)
	}
	var out []int
	queue := []int32{int32(pid)}
	seen := map[int32]bool{int32(pid): true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, int(c))
			queue = append(queue, c)
		}
	}
	return out
}
