package common

import "errors"

type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	// KindDeadlockAbort means the transaction was rolled back and the whole
	// unit of work may be retried.
	KindDeadlockAbort
	KindStorageFault
	KindCacheFault
	KindCapacityFault
)

func (k ErrorKind) String() string {
	switch k {
	case KindDeadlockAbort:
		return "deadlock-abort"
	case KindStorageFault:
		return "storage-fault"
	case KindCacheFault:
		return "cache-fault"
	case KindCapacityFault:
		return "capacity-fault"
	default:
		return "unknown"
	}
}

var (
	ErrDeadlockAbort = errors.New("transaction aborted to resolve a deadlock")
	ErrStorageFault  = errors.New("storage fault")
	ErrCacheFault    = errors.New("page is not resident in the buffer pool")
	ErrCapacityFault = errors.New("buffer pool capacity fault")
)

// KindOf classifies err by the sentinel it wraps.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrDeadlockAbort):
		return KindDeadlockAbort
	case errors.Is(err, ErrStorageFault):
		return KindStorageFault
	case errors.Is(err, ErrCacheFault):
		return KindCacheFault
	case errors.Is(err, ErrCapacityFault):
		return KindCapacityFault
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether restarting the transaction may succeed.
func IsRetryable(err error) bool {
	return KindOf(err) == KindDeadlockAbort
}
