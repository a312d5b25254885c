package config

import "time"

// StoreConfig - настройки встроенного хранилища
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
	// SyncWrites fsyncs the WAL after every batch.
	SyncWrites      bool  `yaml:"sync_writes"`
	WALSegmentBytes int64 `yaml:"wal_segment_bytes" validate:"min=0"`

	// RetainBatches enables background retention: the store keeps at least
	// this many latest batches in the WAL and drops older segments.
	// Zero disables retention.
	RetainBatches     uint64        `yaml:"retain_batches"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

// Default returns a baseline development config.
func Default() StoreConfig {
	return StoreConfig{
		Path:              "./data",
		SyncWrites:        false,
		WALSegmentBytes:   4 << 20,
		RetainBatches:     0,
		RetentionInterval: time.Minute,
	}
}

// WithPath returns a copy of c pointing at another directory.
func (c StoreConfig) WithPath(path string) StoreConfig {
	c.Path = path
	return c
}
