package crashdb_test

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/minidump"
	"github.com/andreyvit/minidump/crashdb"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func setup(t *testing.T) (*crashdb.DB, *clock) {
	t.Helper()
	c := &clock{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	dir := t.TempDir()
	db, err := crashdb.Open(dir, crashdb.Options{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       c.Now,
		IsTesting: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, c
}

func writeReport(t *testing.T, db *crashdb.DB, annotations map[string]string) *crashdb.Report {
	t.Helper()
	nr, err := db.PrepareNewReport()
	require.NoError(t, err)
	s := nr.Store()
	require.Equal(t, minidump.Open, s.State())

	loc, err := s.WriteString("crash " + nr.ID.String())
	require.NoError(t, err)
	require.NoError(t, s.AddStream(minidump.StreamCommentW, loc))

	r, err := db.FinishReport(nr, annotations)
	require.NoError(t, err)
	require.Equal(t, nr.ID, r.ID)
	return r
}

func TestFinishReport(t *testing.T) {
	db, _ := setup(t)
	ann := map[string]string{"prod": "app", "ver": "1.2.3"}
	r := writeReport(t, db, ann)

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), r.Created)
	assert.True(t, r.Pending())
	assert.NotZero(t, r.Digest)

	path := db.Path(r)
	assert.Equal(t, filepath.Join(db.Dir(), "completed", r.ID.String()+".dmp"), path)
	assert.NoFileExists(t, filepath.Join(db.Dir(), "new", r.ID.String()+".dmp"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), r.Size)

	f, err := minidump.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), f.Header().NumberOfStreams)
	assert.Equal(t, uint32(1704067200), f.Header().TimeDateStamp)

	d, ok := f.Stream(minidump.StreamAnnotations)
	require.True(t, ok)
	got, err := f.Annotations(d.Location)
	require.NoError(t, err)
	assert.Equal(t, ann, got)

	d, ok = f.Stream(minidump.StreamCommentW)
	require.True(t, ok)
	comment, err := f.String(d.Location.RVA)
	require.NoError(t, err)
	assert.Equal(t, "crash "+r.ID.String(), comment)

	stored, err := db.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, r, stored)

	require.NoError(t, db.Verify(r.ID))
}

func TestFinishReport_twice(t *testing.T) {
	db, _ := setup(t)
	nr, err := db.PrepareNewReport()
	require.NoError(t, err)
	_, err = db.FinishReport(nr, nil)
	require.NoError(t, err)
	_, err = db.FinishReport(nr, nil)
	require.ErrorIs(t, err, crashdb.ErrReportFinished)
}

func TestFinishReport_noAnnotations(t *testing.T) {
	db, _ := setup(t)
	r := writeReport(t, db, nil)

	f, err := minidump.ReadFile(db.Path(r))
	require.NoError(t, err)
	_, ok := f.Stream(minidump.StreamAnnotations)
	assert.False(t, ok)
	assert.Nil(t, r.Annotations)
}

func TestAbandonReport(t *testing.T) {
	db, _ := setup(t)
	nr, err := db.PrepareNewReport()
	require.NoError(t, err)
	path := filepath.Join(db.Dir(), "new", nr.ID.String()+".dmp")
	require.FileExists(t, path)

	require.NoError(t, db.AbandonReport(nr))
	assert.NoFileExists(t, path)
	assert.Equal(t, minidump.Closed, nr.Store().State())

	_, err = db.Get(nr.ID)
	require.ErrorIs(t, err, crashdb.ErrReportNotFound)

	require.NoError(t, db.AbandonReport(nr))
	_, err = db.FinishReport(nr, nil)
	require.ErrorIs(t, err, crashdb.ErrReportFinished)
}

func TestGet_missing(t *testing.T) {
	db, _ := setup(t)
	_, err := db.Get(uuid.New())
	require.ErrorIs(t, err, crashdb.ErrReportNotFound)
	require.ErrorIs(t, db.Delete(uuid.New()), crashdb.ErrReportNotFound)
	require.ErrorIs(t, db.Verify(uuid.New()), crashdb.ErrReportNotFound)
	require.ErrorIs(t, db.RecordUploadAttempt(uuid.New(), "", nil), crashdb.ErrReportNotFound)
}

func TestList_order(t *testing.T) {
	db, c := setup(t)
	var ids []uuid.UUID
	for range 3 {
		ids = append(ids, writeReport(t, db, nil).ID)
		c.Advance(time.Minute)
	}

	reports, err := db.List()
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for i, r := range reports {
		assert.Equal(t, ids[i], r.ID)
	}
}

func TestUploads(t *testing.T) {
	db, c := setup(t)
	r1 := writeReport(t, db, nil)
	c.Advance(time.Second)
	r2 := writeReport(t, db, nil)

	c.Advance(time.Hour)
	require.NoError(t, db.RecordUploadAttempt(r1.ID, "", errors.New("connection refused")))

	r, err := db.Get(r1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, r.UploadAttempts)
	assert.Equal(t, "connection refused", r.LastError)
	assert.Equal(t, c.now, r.LastAttempt)
	assert.True(t, r.Pending())

	pending, err := db.PendingUploads()
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, db.RecordUploadAttempt(r1.ID, "remote-1", nil))
	r, err = db.Get(r1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, r.UploadAttempts)
	assert.Empty(t, r.LastError)
	assert.Equal(t, "remote-1", r.RemoteID)
	assert.False(t, r.Pending())

	pending, err = db.PendingUploads()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, r2.ID, pending[0].ID)
}

func TestDelete(t *testing.T) {
	db, _ := setup(t)
	r := writeReport(t, db, nil)
	require.NoError(t, db.Delete(r.ID))
	assert.NoFileExists(t, db.Path(r))

	reports, err := db.List()
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestPrune(t *testing.T) {
	db, c := setup(t)
	old := writeReport(t, db, nil)
	c.Advance(48 * time.Hour)
	fresh := writeReport(t, db, nil)

	orphan, err := db.PrepareNewReport()
	require.NoError(t, err)
	orphanPath := filepath.Join(db.Dir(), "new", orphan.ID.String()+".dmp")
	require.NoError(t, orphan.Store().Close())
	ancient := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(orphanPath, ancient, ancient))

	live, err := db.PrepareNewReport()
	require.NoError(t, err)
	defer db.AbandonReport(live)

	n, err := db.Prune(c.now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = db.Get(old.ID)
	require.ErrorIs(t, err, crashdb.ErrReportNotFound)
	assert.NoFileExists(t, db.Path(old))
	assert.NoFileExists(t, orphanPath)
	assert.FileExists(t, filepath.Join(db.Dir(), "new", live.ID.String()+".dmp"))

	_, err = db.Get(fresh.ID)
	require.NoError(t, err)
}

func TestVerify_corrupted(t *testing.T) {
	db, _ := setup(t)
	r := writeReport(t, db, nil)

	f, err := os.OpenFile(db.Path(r), os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, 40)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.ErrorIs(t, db.Verify(r.ID), crashdb.ErrDigestMismatch)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	o := crashdb.Options{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		IsTesting: true,
	}
	db, err := crashdb.Open(dir, o)
	require.NoError(t, err)
	r := writeReport(t, db, map[string]string{"k": "v"})
	require.NoError(t, db.Close())

	db, err = crashdb.Open(dir, o)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "v"}, got.Annotations)
	assert.Equal(t, r.Digest, got.Digest)
	require.NoError(t, db.Verify(r.ID))
}
