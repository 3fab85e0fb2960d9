package common

import "fmt"

// StoreErrType classifies errors returned by the routing/peer store.
type StoreErrType uint32

const (
	// KeyNotFound is returned when a key is absent from the store.
	KeyNotFound StoreErrType = iota
	// KeyAlreadyExists is returned on conflicting inserts.
	KeyAlreadyExists
	// Stale is returned when an update carries a timestamp that does not
	// advance the stored one.
	Stale
	// SchemaMismatch is returned when the on-disk schema version is not
	// compatible with this build.
	SchemaMismatch
	// Empty ...
	Empty
)

// StoreErr ...
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr ...
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error ...
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case KeyAlreadyExists:
		m = "Key Already Exists"
	case Stale:
		m = "Stale"
	case SchemaMismatch:
		m = "Schema Mismatch"
	case Empty:
		m = "Empty"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// IsStore checks that an error is of type StoreErr and that its code matches
// the provided StoreErrType.
func IsStore(err error, t StoreErrType) bool {
	storeErr, ok := err.(StoreErr)
	return ok && storeErr.errType == t
}
