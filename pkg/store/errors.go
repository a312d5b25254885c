package store

import "errors"

var (
	ErrClosed             = errors.New("store closed")
	ErrNotFound           = errors.New("key not found")
	ErrHistoryUnavailable = errors.New("requested history is no longer retained")
	ErrCorruptedTable     = errors.New("corrupted table file")
)
