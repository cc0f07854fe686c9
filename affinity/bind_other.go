//go:build !linux

package affinity

// Bind is not supported on this platform.
func Bind(cpus []int) error {
	return ErrUnsupported
}

// Current is not supported on this platform.
func Current() ([]int, error) {
	return nil, ErrUnsupported
}
