package collcomm

import "github.com/pkg/errors"

// Barrier blocks until every worker has entered the
// barrier.
//
// Workers are arranged in a binary tree. Arrival notices
// flow up to the root and the release flows back down,
// so no worker leaves before the last one arrives.
func (c *Comms) Barrier() error {
	c.Begin(OpBarrier)
	parent, children := TreePosition(c.Index(), c.Size())

	for range children {
		if _, _, err := c.Recv(); err != nil {
			return errors.Wrap(err, "barrier arrival")
		}
	}
	if parent >= 0 {
		if err := c.Send(parent, nil); err != nil {
			return err
		}
		if _, _, err := c.Recv(); err != nil {
			return errors.Wrap(err, "barrier release")
		}
	}
	for _, child := range children {
		if err := c.Send(child, nil); err != nil {
			return err
		}
	}
	return nil
}

// TreePosition returns the parent and children of a rank
// in a binary tree laid out row by row.
//
// The root has parent -1. There may be no children.
func TreePosition(idx, size int) (parent int, children []int) {
	parent = -1
	for depth := uint(0); true; depth++ {
		rowSize := 1 << depth
		rowStart := rowSize - 1
		if idx >= rowStart+rowSize {
			continue
		}
		rowIdx := idx - rowStart
		if depth > 0 {
			parent = rowIdx/2 + (rowSize/2 - 1)
		}
		firstChild := rowIdx*2 + (rowSize*2 - 1)
		for i := 0; i < 2; i++ {
			if firstChild+i < size {
				children = append(children, firstChild+i)
			}
		}
		return
	}
	panic("unreachable")
}
