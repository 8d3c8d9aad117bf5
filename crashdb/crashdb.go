// Package crashdb keeps crash reports on disk: it hands out minidump stores
// for new reports, files the finished dumps and tracks their upload state.
//
// Layout of the database directory:
//
//	reports.db    Bolt database with one record per finished report
//	new/          dumps being written (left behind only by a crash)
//	completed/    finished dumps, named <uuid>.dmp
//
// A report is recorded in Bolt only after its dump has been closed and moved
// into completed/, so every record refers to a complete file.
package crashdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/andreyvit/minidump"
)

var (
	ErrReportNotFound = errors.New("crashdb: report not found")
	ErrDigestMismatch = errors.New("crashdb: dump does not match its digest")
	ErrReportFinished = errors.New("crashdb: report already finished or abandoned")
)

const (
	dbFileName   = "reports.db"
	newDir       = "new"
	completedDir = "completed"
	dumpSuffix   = ".dmp"
)

var reportsBucket = []byte("reports")

type Options struct {
	Context   context.Context
	Logger    *slog.Logger
	Now       func() time.Time
	IsTesting bool

	// Store is the template for the stores of new reports. Its Now and
	// Logger default to the database's.
	Store minidump.Options
}

// Report is the metadata of a finished report.
type Report struct {
	ID             uuid.UUID         `msgpack:"-"`
	FileName       string            `msgpack:"f"`
	Created        time.Time         `msgpack:"c"`
	Size           int64             `msgpack:"s"`
	Digest         uint64            `msgpack:"d"`
	Annotations    map[string]string `msgpack:"a,omitempty"`
	UploadAttempts int               `msgpack:"n,omitempty"`
	LastAttempt    time.Time         `msgpack:"la,omitempty"`
	LastError      string            `msgpack:"le,omitempty"`
	Uploaded       bool              `msgpack:"u,omitempty"`
	RemoteID       string            `msgpack:"r,omitempty"`
}

func (r *Report) Pending() bool {
	return !r.Uploaded
}

type DB struct {
	context context.Context
	logger  *slog.Logger
	now     func() time.Time
	dir     string
	bdb     *bbolt.DB
	storeO  minidump.Options
}

func Open(dir string, o Options) (*DB, error) {
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Store.Logger == nil {
		o.Store.Logger = o.Logger
	}
	if o.Store.Now == nil {
		o.Store.Now = o.Now
	}
	if o.Store.Context == nil {
		o.Store.Context = o.Context
	}

	for _, sub := range []string{newDir, completedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o777); err != nil {
			return nil, fmt.Errorf("crashdb: %w", err)
		}
	}

	bopt := &bbolt.Options{
		Timeout:      5 * time.Second,
		NoSync:       o.IsTesting,
		FreelistType: bbolt.FreelistMapType,
	}
	bdb, err := bbolt.Open(filepath.Join(dir, dbFileName), 0o666, bopt)
	if err != nil {
		return nil, fmt.Errorf("crashdb: %w", err)
	}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(reportsBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("crashdb: %w", err)
	}

	return &DB{
		context: o.Context,
		logger:  o.Logger,
		now:     o.Now,
		dir:     dir,
		bdb:     bdb,
		storeO:  o.Store,
	}, nil
}

func (db *DB) Close() error {
	return db.bdb.Close()
}

func (db *DB) Dir() string {
	return db.dir
}

// Path returns the location of a finished report's dump.
func (db *DB) Path(r *Report) string {
	return filepath.Join(db.dir, completedDir, r.FileName)
}

// NewReport is a report whose dump is being written.
type NewReport struct {
	ID    uuid.UUID
	path  string
	store *minidump.Store
	done  bool
}

// Store returns the open store to write the dump into.
func (nr *NewReport) Store() *minidump.Store {
	return nr.store
}

// PrepareNewReport creates a dump file under new/ and opens a store on it.
func (db *DB) PrepareNewReport() (*NewReport, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("crashdb: %w", err)
	}
	o := db.storeO
	o.DebugName = id.String()
	nr := &NewReport{
		ID:    id,
		path:  filepath.Join(db.dir, newDir, id.String()+dumpSuffix),
		store: minidump.New(o),
	}
	if err := nr.store.Open(nr.path); err != nil {
		return nil, err
	}
	return nr, nil
}

// FinishReport writes annotations (if any) as a StreamAnnotations stream,
// closes the dump, moves it to completed/ and records it.
func (db *DB) FinishReport(nr *NewReport, annotations map[string]string) (*Report, error) {
	if nr.done {
		return nil, ErrReportFinished
	}
	nr.done = true

	if len(annotations) > 0 {
		if _, err := nr.store.WriteAnnotations(minidump.StreamAnnotations, annotations); err != nil {
			_ = nr.store.Abort()
			return nil, err
		}
	}
	if err := nr.store.Close(); err != nil {
		return nil, err
	}

	r := &Report{
		ID:          nr.ID,
		FileName:    nr.ID.String() + dumpSuffix,
		Created:     db.now().UTC(),
		Annotations: annotations,
	}
	var ok bool
	defer func() {
		if !ok {
			os.Remove(nr.path)
			os.Remove(db.Path(r))
		}
	}()

	var err error
	r.Size, r.Digest, err = digestFile(nr.path)
	if err != nil {
		return nil, fmt.Errorf("crashdb: %w", err)
	}
	if err := os.Rename(nr.path, db.Path(r)); err != nil {
		return nil, fmt.Errorf("crashdb: %w", err)
	}
	if err := db.put(r); err != nil {
		return nil, err
	}

	ok = true
	db.logger.LogAttrs(db.context, slog.LevelInfo, "crashdb: report finished", slog.String("id", r.ID.String()), slog.Int64("size", r.Size), slog.Int("annotations", len(annotations)))
	return r, nil
}

// AbandonReport discards a report that will not be finished.
func (db *DB) AbandonReport(nr *NewReport) error {
	if nr.done {
		return nil
	}
	nr.done = true
	db.logger.LogAttrs(db.context, slog.LevelWarn, "crashdb: report abandoned", slog.String("id", nr.ID.String()))
	return nr.store.Abort()
}

func digestFile(path string) (int64, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	h := xxhash.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, 0, err
	}
	return n, h.Sum64(), nil
}

func (db *DB) Get(id uuid.UUID) (*Report, error) {
	var r *Report
	err := db.bdb.View(func(tx *bbolt.Tx) error {
		var err error
		r, err = getReport(tx, id)
		return err
	})
	return r, err
}

func getReport(tx *bbolt.Tx, id uuid.UUID) (*Report, error) {
	v := tx.Bucket(reportsBucket).Get(id[:])
	if v == nil {
		return nil, fmt.Errorf("%w: %v", ErrReportNotFound, id)
	}
	return decodeReport(id[:], v)
}

// List returns all finished reports, oldest first.
func (db *DB) List() ([]*Report, error) {
	var reports []*Report
	err := db.bdb.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(reportsBucket).ForEach(func(k, v []byte) error {
			r, err := decodeReport(k, v)
			if err != nil {
				return err
			}
			reports = append(reports, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(reports, func(a, b *Report) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return reports, nil
}

// PendingUploads returns the reports that have not been uploaded yet, oldest
// first.
func (db *DB) PendingUploads() ([]*Report, error) {
	reports, err := db.List()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(reports, func(r *Report) bool { return !r.Pending() }), nil
}

// RecordUploadAttempt notes an upload attempt. A nil uploadErr marks the
// report as uploaded under remoteID.
func (db *DB) RecordUploadAttempt(id uuid.UUID, remoteID string, uploadErr error) error {
	return db.bdb.Update(func(tx *bbolt.Tx) error {
		r, err := getReport(tx, id)
		if err != nil {
			return err
		}
		r.UploadAttempts++
		r.LastAttempt = db.now().UTC()
		if uploadErr != nil {
			r.LastError = uploadErr.Error()
		} else {
			r.LastError = ""
			r.Uploaded = true
			r.RemoteID = remoteID
		}
		return putReport(tx, r)
	})
}

// Delete removes a report and its dump.
func (db *DB) Delete(id uuid.UUID) error {
	var r *Report
	err := db.bdb.Update(func(tx *bbolt.Tx) error {
		var err error
		r, err = getReport(tx, id)
		if err != nil {
			return err
		}
		return tx.Bucket(reportsBucket).Delete(id[:])
	})
	if err != nil {
		return err
	}
	if err := os.Remove(db.Path(r)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("crashdb: %w", err)
	}
	db.logger.LogAttrs(db.context, slog.LevelInfo, "crashdb: report deleted", slog.String("id", id.String()))
	return nil
}

// Prune deletes reports created before cutoff, plus dumps in new/ that were
// last modified before cutoff (left behind by writers that died). It returns
// the number of reports deleted.
func (db *DB) Prune(cutoff time.Time) (int, error) {
	reports, err := db.List()
	if err != nil {
		return 0, err
	}
	var n int
	for _, r := range reports {
		if !r.Created.Before(cutoff) {
			break
		}
		if err := db.Delete(r.ID); err != nil {
			return n, err
		}
		n++
	}

	ents, err := os.ReadDir(filepath.Join(db.dir, newDir))
	if err != nil {
		return n, fmt.Errorf("crashdb: %w", err)
	}
	for _, ent := range ents {
		if !ent.Type().IsRegular() || !strings.HasSuffix(ent.Name(), dumpSuffix) {
			continue
		}
		info, err := ent.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(db.dir, newDir, ent.Name())
		db.logger.LogAttrs(db.context, slog.LevelWarn, "crashdb: deleting orphaned dump", slog.String("file", path), slog.Int64("size", info.Size()))
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return n, fmt.Errorf("crashdb: %w", err)
		}
	}
	return n, nil
}

// Verify re-hashes a report's dump and compares it with the recorded digest.
func (db *DB) Verify(id uuid.UUID) error {
	r, err := db.Get(id)
	if err != nil {
		return err
	}
	size, digest, err := digestFile(db.Path(r))
	if err != nil {
		return fmt.Errorf("crashdb: %w", err)
	}
	if size != r.Size || digest != r.Digest {
		return fmt.Errorf("%w: %v has %d bytes, digest %016x, wanted %d bytes, digest %016x", ErrDigestMismatch, id, size, digest, r.Size, r.Digest)
	}
	return nil
}

func (db *DB) put(r *Report) error {
	return db.bdb.Update(func(tx *bbolt.Tx) error {
		return putReport(tx, r)
	})
}

func putReport(tx *bbolt.Tx, r *Report) error {
	v, err := encodeReport(r)
	if err != nil {
		return err
	}
	return tx.Bucket(reportsBucket).Put(r.ID[:], v)
}
