package wl

import "errors"

// Error taxonomy. Every fallible engine and monitor call returns one of
// these (possibly wrapped with extra context via fmt.Errorf's %w).
var (
	ErrInvalidConfig   = errors.New("wl: invalid config")
	ErrInvalidCrc      = errors.New("wl: invalid crc")
	ErrInvalidState    = errors.New("wl: invalid state")
	ErrEncrypted       = errors.New("wl: partition is encrypted")
	ErrNotFound        = errors.New("wl: no candidate wl partition found")
	ErrNotSupported    = errors.New("wl: partition too large for feistel bit width")
	ErrOutOfMemory     = errors.New("wl: out of memory")
	ErrExhaustedSector = errors.New("wl: sector reached erase endurance")
)
