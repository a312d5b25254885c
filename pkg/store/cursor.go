package store

import (
	"errors"

	"lsmrepl/pkg/types"
	"lsmrepl/pkg/wal"
)

// cursor tails the WAL. When the expected batch was purged in the meantime
// it moves to the first retained one, so readers see the gap instead of
// silently skipping it.
type cursor struct {
	jr     iJournal
	next   types.SequenceNumber
	err    error
	closed bool
}

func (c *cursor) Next() (types.Update, bool) {
	if c.closed || c.err != nil {
		return types.Update{}, false
	}

	rec, err := c.jr.Read(c.next)
	if errors.Is(err, wal.ErrPurged) {
		first, _ := c.jr.Bounds()
		c.next = first
		rec, err = c.jr.Read(c.next)
	}
	switch {
	case errors.Is(err, wal.ErrNotFound):
		return types.Update{}, false
	case errors.Is(err, wal.ErrClosed):
		c.err = ErrClosed
		return types.Update{}, false
	case err != nil:
		c.err = err
		return types.Update{}, false
	}

	c.next = rec.SeqNum.Next()
	return types.Update{SeqNum: rec.SeqNum, Data: rec.Data}, true
}

func (c *cursor) Err() error {
	return c.err
}

func (c *cursor) Close() error {
	c.closed = true
	return nil
}
