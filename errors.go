package minidump

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument reports a nonsensical request, such as a zero-sized
	// allocation or an empty array. It always indicates a caller bug.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCapacityExceeded reports that the backing could not grow, or that
	// the dump would outgrow its 32-bit offsets.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrIndexOutOfRange reports an element index past an array's count.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrOutOfBounds reports a raw read or write past the used length.
	ErrOutOfBounds = errors.New("out of bounds")

	ErrNotOpen         = errors.New("minidump: store is not open")
	ErrAlreadyOpened   = errors.New("minidump: store can only be opened once")
	ErrDuplicateStream = errors.New("minidump: duplicate stream type")
)

// AllocError describes a failed allocation. It unwraps to one of
// ErrInvalidArgument or ErrCapacityExceeded and to the underlying cause, if
// any.
type AllocError struct {
	What  string
	Size  uint64
	Err   error
	Cause error
}

func allocErrf(err, cause error, size uint64, format string, args ...any) error {
	return &AllocError{What: fmt.Sprintf(format, args...), Size: size, Err: err, Cause: cause}
}

func (e *AllocError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func (e *AllocError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("minidump: allocate %s (%d bytes): %v: %v", e.What, e.Size, e.Err, e.Cause)
	}
	return fmt.Sprintf("minidump: allocate %s (%d bytes): %v", e.What, e.Size, e.Err)
}

// IOError wraps a failure of the underlying storage.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("minidump: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("minidump: %s %s: %v", e.Op, e.Path, e.Err)
}

// DataError reports malformed minidump data found by the reader.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const excerptLen = 32
	n := len(e.Data)
	start := min(max(e.Off, 0), n)
	end := min(start+excerptLen, n)
	excerpt := e.Data[start:end]
	if e.Err != nil {
		return fmt.Sprintf("minidump: %s at 0x%x: %v: (%d) %x", e.Msg, e.Off, e.Err, n, excerpt)
	}
	return fmt.Sprintf("minidump: %s at 0x%x: (%d) %x", e.Msg, e.Off, n, excerpt)
}
