package storage

import (
	"errors"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the file stores. Empty paths are derived from Dir.
type Config struct {
	Dir         string
	StatePath   string
	DupPath     string
	JournalPath string
	// NoSync skips fsync before rename. Only meant for tests and tmpfs.
	NoSync bool
}

// LoadStatus describes how a snapshot load ended.
type LoadStatus string

const (
	LoadOK          LoadStatus = "ok"
	LoadMissing     LoadStatus = "missing"
	LoadQuarantined LoadStatus = "quarantined"
	// LoadUnreadable means the file could not be read or moved aside.
	LoadUnreadable LoadStatus = "unreadable"
)

type LoadResult struct {
	Status LoadStatus
	// QuarantinedTo is set when the file was moved aside.
	QuarantinedTo string
	Err           error
}
