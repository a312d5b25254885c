package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SequenceNumber is assigned by the store to every applied write batch.
// Batches are numbered 1, 2, 3, ... and 0 means "nothing applied yet".
type SequenceNumber uint64

// Next returns the sequence number that directly follows s.
func (s SequenceNumber) Next() SequenceNumber {
	return s + 1
}

// Prev returns the sequence number before s, saturating at zero.
func (s SequenceNumber) Prev() SequenceNumber {
	if s == 0 {
		return 0
	}
	return s - 1
}
