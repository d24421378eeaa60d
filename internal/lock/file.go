package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"portaljobs/internal/domain"
)

// FileStore keeps one lock file per job in dir, created with O_EXCL.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(jobName string) (string, error) {
	if jobName == "" || strings.ContainsAny(jobName, `/\`) || jobName == "." || jobName == ".." {
		return "", fmt.Errorf("invalid job name %q", jobName)
	}
	return filepath.Join(f.dir, jobName+".lock"), nil
}

func (f *FileStore) TryAcquire(_ context.Context, l domain.JobLock) (bool, error) {
	p, err := f.path(l.JobName)
	if err != nil {
		return false, err
	}
	return createExclusive(p, l)
}

func (f *FileStore) Get(_ context.Context, jobName string) (domain.JobLock, bool, error) {
	p, err := f.path(jobName)
	if err != nil {
		return domain.JobLock{}, false, err
	}
	l, err := readLockFile(p, jobName)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.JobLock{}, false, nil
	}
	if err != nil {
		return domain.JobLock{}, false, err
	}
	return l, true, nil
}

// Reclaim moves the stale file aside with rename, which only one caller can
// win, then recreates it exclusively for fresh.
func (f *FileStore) Reclaim(_ context.Context, stale, fresh domain.JobLock) (bool, error) {
	p, err := f.path(stale.JobName)
	if err != nil {
		return false, err
	}
	cur, err := readLockFile(p, stale.JobName)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sameLock(cur, stale) {
		return false, nil
	}

	aside := p + ".reclaim-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.Rename(p, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer os.Remove(aside)

	moved, err := readLockFile(aside, stale.JobName)
	if err != nil || !sameLock(moved, stale) {
		// Someone reclaimed first and we moved their fresh lock; put it back.
		restoreMoved(aside, p, stale.JobName)
		return false, err
	}
	return createExclusive(p, fresh)
}

// restoreMoved hard-links a wrongly moved lock file back into place. It fails
// when a third caller has created the lock meanwhile; the moved holder then
// no longer owns a file and only the log records it.
func restoreMoved(aside, p, jobName string) bool {
	if err := os.Link(aside, p); err != nil {
		log.Warn().Err(err).Str("job", jobName).Str("path", p).
			Msg("could not restore lock file moved during reclaim")
		return false
	}
	return true
}

func (f *FileStore) Release(_ context.Context, jobName, owner string) error {
	p, err := f.path(jobName)
	if err != nil {
		return err
	}
	cur, err := readLockFile(p, jobName)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotHeld
	}
	if err != nil {
		return err
	}
	if cur.Owner != owner {
		return ErrNotHeld
	}
	return os.Remove(p)
}

func sameLock(a, b domain.JobLock) bool {
	return a.Owner == b.Owner && a.AcquiredAt.UnixMilli() == b.AcquiredAt.UnixMilli()
}

func createExclusive(p string, l domain.JobLock) (bool, error) {
	fh, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, werr := fmt.Fprintf(fh, "%s\n%d\n", l.Owner, l.AcquiredAt.UnixMilli())
	cerr := fh.Close()
	if werr != nil {
		return false, werr
	}
	return true, cerr
}

// readLockFile parses "owner\nunixmillis\n". A file left half-written by a
// crash falls back to its modification time so it still ages out.
func readLockFile(p, jobName string) (domain.JobLock, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return domain.JobLock{}, err
	}
	l := domain.JobLock{JobName: jobName}
	parts := strings.SplitN(strings.TrimSpace(string(b)), "\n", 2)
	if len(parts) == 2 {
		if ms, perr := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64); perr == nil {
			l.Owner = parts[0]
			l.AcquiredAt = time.UnixMilli(ms).UTC()
			return l, nil
		}
	}
	st, err := os.Stat(p)
	if err != nil {
		return domain.JobLock{}, err
	}
	l.Owner = strings.TrimSpace(parts[0])
	l.AcquiredAt = st.ModTime().UTC()
	return l, nil
}
