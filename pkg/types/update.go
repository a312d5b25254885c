package types

// Update is one write batch taken from the store history.
type Update struct {
	SeqNum SequenceNumber
	Data   []byte
}

// HistoryCursor walks the batch history in sequence order. Next reports
// false when nothing more is available yet or the cursor failed; Err tells
// the two apart.
type HistoryCursor interface {
	Next() (Update, bool)
	Err() error
	Close() error
}
