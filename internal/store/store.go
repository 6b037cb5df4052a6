package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// ScanFunc receives each stored record. err is set, and attrs nil, when the
// record under id could not be decoded.
type ScanFunc func(id string, attrs *Attributes, err error)

// Store persists per-device attributes, one record per identity.
type Store interface {
	SaveAttributes(attrs *Attributes) error
	GetAttributes(id string) (*Attributes, error)
	DeleteAttributes(id string) error

	// Scan visits every record. Decode failures are reported to fn and do
	// not stop the scan.
	Scan(fn ScanFunc) error

	Close() error
}
