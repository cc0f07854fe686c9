//go:build linux

package affinity

import (
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Bind restricts the calling Goroutine's OS thread to the
// given CPUs.
//
// The Goroutine stays locked to its thread, since the
// mask only applies to that thread.
func Bind(cpus []int) error {
	if len(cpus) == 0 {
		return errors.New("empty cpu list")
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	runtime.LockOSThread()
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return errors.Wrap(err, "set cpu affinity")
	}
	return nil
}

// Current returns the CPUs the calling thread may run on.
func Current() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, errors.Wrap(err, "get cpu affinity")
	}
	var res []int
	for cpu := 0; cpu < len(set)*64; cpu++ {
		if set.IsSet(cpu) {
			res = append(res, cpu)
		}
	}
	return res, nil
}
