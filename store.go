package minidump

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/text/encoding"
)

type Options struct {
	Context   context.Context
	DebugName string
	Logger    *slog.Logger
	Now       func() time.Time

	// Flags is written to the header's Flags field (MINIDUMP_TYPE).
	Flags uint64

	// NarrowEncoding decodes 8-bit strings passed to WriteString. Nil means
	// the input is UTF-8.
	NarrowEncoding encoding.Encoding

	// InitialCapacity is the size of the backing reserved by Open. It grows
	// by doubling.
	InitialCapacity int
}

type State int

const (
	Unopened State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// maxDumpSize is the largest dump a 32-bit RVA can describe.
const maxDumpSize = 1 << 32

// Store is an append-only arena over a growable backing, laid out as a
// minidump file: a header at offset 0 followed by records allocated in order.
//
// Every allocation returns a Location. Records refer to each other only
// through Locations, never through slices of the backing, because growing
// the backing may move it.
//
// A Store is single use (Unopened -> Open -> Closed) and not safe for
// concurrent use. If growing the backing destroys what was written, the
// store fails: it stays Open, but every operation returns an *IOError until
// Close or Abort releases it.
type Store struct {
	context   context.Context
	debugName string
	logger    *slog.Logger
	now       func() time.Time
	flags     uint64
	narrow    encoding.Encoding
	initial   uint64

	state   State
	path    string
	backing backing
	used    uint64
	streams []Directory
	result  []byte

	// failed is set when the backing lost already written data (a growth
	// that could not restore the old region). Every later operation returns
	// it, and Close discards the dump.
	failed error
}

func New(o Options) *Store {
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.DebugName == "" {
		o.DebugName = "minidump"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.InitialCapacity <= 0 {
		o.InitialCapacity = defaultInitialCapacity
	}
	return &Store{
		context:   o.Context,
		debugName: o.DebugName,
		logger:    o.Logger,
		now:       o.Now,
		flags:     o.Flags,
		narrow:    o.NarrowEncoding,
		initial:   uint64(max(o.InitialCapacity, HeaderSize)),
	}
}

func (s *Store) String() string {
	return s.debugName
}

func (s *Store) State() State {
	return s.state
}

// Path returns the file the store writes to, or "" for a memory store.
func (s *Store) Path() string {
	return s.path
}

// Len returns the number of bytes used so far, header included.
func (s *Store) Len() uint32 {
	return uint32(s.used)
}

// Cap returns the current size of the backing.
func (s *Store) Cap() uint64 {
	if s.backing == nil {
		return 0
	}
	return uint64(len(s.backing.Bytes()))
}

// Bytes returns the finished dump of a memory store after Close, and nil
// otherwise.
func (s *Store) Bytes() []byte {
	return s.result
}

// Open creates or truncates the file at path and reserves the header.
func (s *Store) Open(path string) error {
	if s.state != Unopened {
		return ErrAlreadyOpened
	}
	b, err := openFileBacking(path, s.initial)
	if err != nil {
		s.logger.LogAttrs(s.context, slog.LevelError, "minidump: open failed", slog.String("dump", s.debugName), slog.String("path", path), slog.Any("err", err))
		return err
	}
	s.path = path
	s.start(b)
	return nil
}

// OpenMemory is like Open, but keeps the dump in memory. The result is
// available from Bytes after Close.
func (s *Store) OpenMemory() error {
	if s.state != Unopened {
		return ErrAlreadyOpened
	}
	b, err := newMemBacking(s.initial)
	if err != nil {
		return &IOError{Op: "reserve", Err: err}
	}
	s.start(b)
	return nil
}

func (s *Store) start(b backing) {
	s.backing = b
	s.state = Open
	clear(b.Bytes()[:HeaderSize])
	s.used = HeaderSize
	s.logger.LogAttrs(s.context, slog.LevelDebug, "minidump: opened", slog.String("dump", s.debugName), slog.String("path", s.path), slog.Int("capacity", len(b.Bytes())))
}

// Allocate reserves size zeroed bytes aligned to DefaultAlignment.
func (s *Store) Allocate(size uint32) (Location, error) {
	return s.AllocateAligned(size, DefaultAlignment)
}

// AllocateAligned reserves size zeroed bytes starting at a multiple of
// alignment, which must be a power of two. The padding before the region is
// zeroed too.
func (s *Store) AllocateAligned(size, alignment uint32) (Location, error) {
	if err := s.checkUsable(); err != nil {
		return Location{}, err
	}
	if size == 0 {
		return Location{}, allocErrf(ErrInvalidArgument, nil, 0, "empty region")
	}
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return Location{}, allocErrf(ErrInvalidArgument, nil, uint64(size), "with alignment %d", alignment)
	}

	start := alignUp(s.used, uint64(alignment))
	end := start + uint64(size)
	if end > maxDumpSize {
		return Location{}, allocErrf(ErrCapacityExceeded, nil, uint64(size), "at 0x%x", start)
	}
	if err := s.ensureCapacity(end); err != nil {
		return Location{}, allocErrf(ErrCapacityExceeded, err, uint64(size), "at 0x%x", start)
	}

	clear(s.backing.Bytes()[s.used:end])
	s.used = end
	return Location{DataSize: size, RVA: uint32(start)}, nil
}

func (s *Store) ensureCapacity(n uint64) error {
	old := uint64(len(s.backing.Bytes()))
	if n <= old {
		return nil
	}
	err := s.backing.Grow(n)
	if err != nil {
		if uint64(len(s.backing.Bytes())) < s.used {
			s.failed = &IOError{Op: "grow", Path: s.path, Err: err}
		}
		s.logger.LogAttrs(s.context, slog.LevelError, "minidump: growth failed", slog.String("dump", s.debugName), slog.Uint64("cap", old), slog.Uint64("wanted", n), slog.Bool("lost", s.failed != nil), slog.Any("err", err))
		return err
	}
	s.logger.LogAttrs(s.context, slog.LevelDebug, "minidump: grew", slog.String("dump", s.debugName), slog.Uint64("from", old), slog.Int("to", len(s.backing.Bytes())))
	return nil
}

func alignUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}

// WriteAt copies b to offset off, which must lie within the used length. It
// is also how already written regions are patched.
func (s *Store) WriteAt(off uint32, b []byte) error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	if err := s.checkBounds(off, uint64(len(b)), "write"); err != nil {
		return err
	}
	copy(s.backing.Bytes()[off:], b)
	return nil
}

// ReadAt returns a copy of n bytes at offset off.
func (s *Store) ReadAt(off, n uint32) ([]byte, error) {
	if err := s.checkUsable(); err != nil {
		return nil, err
	}
	if err := s.checkBounds(off, uint64(n), "read"); err != nil {
		return nil, err
	}
	return slices.Clone(s.backing.Bytes()[off : uint64(off)+uint64(n)]), nil
}

func (s *Store) checkUsable() error {
	if s.state != Open {
		return ErrNotOpen
	}
	return s.failed
}

func (s *Store) checkBounds(off uint32, n uint64, op string) error {
	if uint64(off)+n > s.used {
		return fmt.Errorf("minidump: %s of %d bytes at 0x%x, used length is 0x%x: %w", op, n, off, s.used, ErrOutOfBounds)
	}
	return nil
}

// view returns the bytes of loc for the duration of a single read or write.
// Records use it on every access, so no slice of the backing survives an
// allocation. Using a record of a store that is not open is a programming
// error and panics; a failed store returns its error.
func (s *Store) view(loc Location) ([]byte, error) {
	if s.state != Open {
		panic(fmt.Sprintf("minidump: %s: record %v accessed while the store is %v", s.debugName, loc, s.state))
	}
	if s.failed != nil {
		return nil, s.failed
	}
	return s.backing.Bytes()[loc.RVA:loc.End()], nil
}

func (s *Store) encodeAt(loc Location, v any) error {
	buf, err := s.view(loc)
	if err != nil {
		return err
	}
	return encodeAt(buf, v)
}

func (s *Store) decodeAt(loc Location, v any) error {
	buf, err := s.view(loc)
	if err != nil {
		return err
	}
	return decodeAt(buf, v)
}

// AddStream records a stream directory entry. The directory itself is
// written by Close.
func (s *Store) AddStream(streamType uint32, loc Location) error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	if loc.End() > s.used {
		return fmt.Errorf("minidump: stream 0x%x at %v, used length is 0x%x: %w", streamType, loc, s.used, ErrOutOfBounds)
	}
	for _, d := range s.streams {
		if d.StreamType == streamType {
			return fmt.Errorf("%w 0x%x", ErrDuplicateStream, streamType)
		}
	}
	s.streams = append(s.streams, Directory{StreamType: streamType, Location: loc})
	return nil
}

// Streams returns the directory entries added so far.
func (s *Store) Streams() []Directory {
	return slices.Clone(s.streams)
}

// Close writes the stream directory and the header, flushes the backing and
// truncates it to the used length. The signature is the last thing written,
// so a dump abandoned midway never looks complete.
//
// Closing a store that is not open does nothing. If finishing fails, or the
// store has failed earlier, the file is removed and the error returned.
func (s *Store) Close() error {
	if s.state != Open {
		return nil
	}

	err := s.failed
	if err == nil {
		err = s.finalize()
	}
	if err == nil {
		err = s.backing.Finish(s.used)
	} else {
		_ = s.backing.Abort()
	}
	s.state = Closed
	if err != nil {
		s.backing = nil
		s.logger.LogAttrs(s.context, slog.LevelError, "minidump: close failed", slog.String("dump", s.debugName), slog.String("path", s.path), slog.Any("err", err))
		return err
	}

	if rb, ok := s.backing.(resultBacking); ok {
		s.result = rb.Result()
	}
	s.backing = nil
	s.logger.LogAttrs(s.context, slog.LevelDebug, "minidump: closed", slog.String("dump", s.debugName), slog.String("path", s.path), slog.Uint64("size", s.used), slog.Int("streams", len(s.streams)))
	return nil
}

func (s *Store) finalize() error {
	h := Header{
		Version:       Version,
		TimeDateStamp: s.timestamp(),
		Flags:         s.flags,
	}

	if n := uint32(len(s.streams)); n > 0 {
		dir, err := AllocateArray[Directory](s, n)
		if err != nil {
			return err
		}
		for i, d := range s.streams {
			if err := dir.SetElement(uint32(i), d); err != nil {
				return err
			}
		}
		h.NumberOfStreams = n
		h.StreamDirectoryRVA = dir.Location().RVA
	}

	var buf [HeaderSize]byte
	if _, err := binary.Encode(buf[:], binary.LittleEndian, h); err != nil {
		return err
	}
	if err := s.WriteAt(0, buf[:]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[:4], Signature)
	return s.WriteAt(0, buf[:4])
}

func (s *Store) timestamp() uint32 {
	v := s.now().Unix()
	if v < 0 || v > 0xFFFF_FFFF {
		return 0
	}
	return uint32(v)
}

// Abort abandons the dump: the backing is released and the file removed.
// Aborting a store that is not open does nothing.
func (s *Store) Abort() error {
	if s.state != Open {
		return nil
	}
	err := s.backing.Abort()
	s.state = Closed
	s.backing = nil
	s.logger.LogAttrs(s.context, slog.LevelDebug, "minidump: aborted", slog.String("dump", s.debugName), slog.String("path", s.path), slog.Uint64("size", s.used))
	return err
}
