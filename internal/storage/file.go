package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"autopress/internal/model"
	logx "autopress/pkg/logx"
)

// fileStore keeps each collection in one JSON file.
//
// Files:
//   - <prefix>.projects.json (JSON array, insertion order)
//   - <prefix>.queue.json    (JSON array, insertion order)
//   - <prefix>.audit.jsonl   (append-only JSON Lines)
//   - <prefix>.lock          (flock, shared for reads, exclusive for writes)
//
// Every operation re-reads the collection from disk under the file lock, so
// a CLI process and the daemon see each other's writes and never interleave
// a read-modify-write. Writes go to a unique temp file and are renamed into
// place.
type fileStore struct {
	log logx.Logger

	// mu serializes goroutines of this process; flock does not, since a
	// Flock already held by this handle is re-acquired without blocking.
	mu   sync.Mutex
	lock *flock.Flock

	projectsPath string
	queuePath    string
	auditFile    *os.File
}

const lockRetry = 10 * time.Millisecond

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	st := &fileStore{
		log:          log,
		lock:         flock.New(prefix+".lock", flock.SetPermissions(0o600)),
		projectsPath: prefix + ".projects.json",
		queuePath:    prefix + ".queue.json",
		auditFile:    af,
	}
	// Fail early on corrupt collections instead of on the first tick.
	err = st.locked(context.Background(), false, func() error {
		if _, err := readJSON[model.Project](st.projectsPath); err != nil {
			return err
		}
		_, err := readJSON[model.QueueItem](st.queuePath)
		return err
	})
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix))
	return st, nil
}

// locked runs fn holding the process mutex and the file lock.
func (s *fileStore) locked(ctx context.Context, exclusive bool, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closedLocked() {
		return ErrClosed
	}
	try := s.lock.TryRLockContext
	if exclusive {
		try = s.lock.TryLockContext
	}
	ok, err := try(ctx, lockRetry)
	if err == nil && !ok {
		err = ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", filepath.Base(s.lock.Path()), err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.log.Warn("file unlock failed", logx.String("path", s.lock.Path()), logx.Err(err))
		}
	}()
	return fn()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	_ = s.lock.Close()
	return err
}

func (s *fileStore) closedLocked() bool { return s.auditFile == nil }

func (s *fileStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	var out []model.Project
	err := s.locked(ctx, false, func() (err error) {
		out, err = readJSON[model.Project](s.projectsPath)
		return err
	})
	return out, err
}

func (s *fileStore) GetProject(ctx context.Context, id string) (model.Project, error) {
	ps, err := s.ListProjects(ctx)
	if err != nil {
		return model.Project{}, err
	}
	for _, p := range ps {
		if p.ID == id {
			return p, nil
		}
	}
	return model.Project{}, model.NotFound("project", id)
}

func (s *fileStore) SaveProject(ctx context.Context, p model.Project) error {
	return s.locked(ctx, true, func() error {
		ps, err := readJSON[model.Project](s.projectsPath)
		if err != nil {
			return err
		}
		replaced := false
		for i := range ps {
			if ps[i].ID == p.ID {
				ps[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			ps = append(ps, p)
		}
		return writeJSON(s.projectsPath, ps)
	})
}

func (s *fileStore) UpdateProject(ctx context.Context, id string, fn func(p *model.Project) error) (model.Project, error) {
	var out model.Project
	err := s.locked(ctx, true, func() error {
		ps, err := readJSON[model.Project](s.projectsPath)
		if err != nil {
			return err
		}
		for i := range ps {
			if ps[i].ID != id {
				continue
			}
			p := ps[i]
			if err := fn(&p); err != nil {
				return err
			}
			ps[i] = p
			out = p
			return writeJSON(s.projectsPath, ps)
		}
		return model.NotFound("project", id)
	})
	return out, err
}

func (s *fileStore) DeleteProject(ctx context.Context, id string) error {
	return s.locked(ctx, true, func() error {
		ps, err := readJSON[model.Project](s.projectsPath)
		if err != nil {
			return err
		}
		out := ps[:0]
		found := false
		for _, p := range ps {
			if p.ID == id {
				found = true
				continue
			}
			out = append(out, p)
		}
		if !found {
			return model.NotFound("project", id)
		}
		return writeJSON(s.projectsPath, out)
	})
}

func (s *fileStore) ListItems(ctx context.Context) ([]model.QueueItem, error) {
	var out []model.QueueItem
	err := s.locked(ctx, false, func() (err error) {
		out, err = readJSON[model.QueueItem](s.queuePath)
		return err
	})
	return out, err
}

func (s *fileStore) SaveItems(ctx context.Context, items []model.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	return s.MutateItems(ctx, func([]model.QueueItem) (ItemChanges, error) {
		return ItemChanges{Save: items}, nil
	})
}

func (s *fileStore) DeleteItems(ctx context.Context, keys []model.ItemKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n := 0
	err := s.MutateItems(ctx, func(cur []model.QueueItem) (ItemChanges, error) {
		n = countKeys(cur, keys)
		return ItemChanges{Delete: keys}, nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *fileStore) MutateItems(ctx context.Context, fn func(cur []model.QueueItem) (ItemChanges, error)) error {
	return s.locked(ctx, true, func() error {
		cur, err := readJSON[model.QueueItem](s.queuePath)
		if err != nil {
			return err
		}
		ch, err := fn(append([]model.QueueItem(nil), cur...))
		if err != nil || ch.empty() {
			return err
		}
		// Single rename: either the whole change lands or none of it.
		return writeJSON(s.queuePath, applyChanges(cur, ch))
	})
}

func (s *fileStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closedLocked() {
		return ErrClosed
	}
	// O_APPEND and one write per entry keep lines whole across processes.
	return json.NewEncoder(s.auditFile).Encode(e)
}

// applyChanges upserts ch.Save by key (new keys are appended) and then drops
// ch.Delete.
func applyChanges(cur []model.QueueItem, ch ItemChanges) []model.QueueItem {
	idx := make(map[model.ItemKey]int, len(cur))
	for i, it := range cur {
		idx[it.Key()] = i
	}
	for _, it := range ch.Save {
		if i, ok := idx[it.Key()]; ok {
			cur[i] = it
			continue
		}
		idx[it.Key()] = len(cur)
		cur = append(cur, it)
	}
	if len(ch.Delete) == 0 {
		return cur
	}
	drop := make(map[model.ItemKey]struct{}, len(ch.Delete))
	for _, k := range ch.Delete {
		drop[k] = struct{}{}
	}
	out := cur[:0]
	for _, it := range cur {
		if _, ok := drop[it.Key()]; !ok {
			out = append(out, it)
		}
	}
	return out
}

func countKeys(cur []model.QueueItem, keys []model.ItemKey) int {
	want := make(map[model.ItemKey]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	n := 0
	for _, it := range cur {
		if _, ok := want[it.Key()]; ok {
			n++
		}
	}
	return n
}

func readJSON[T any](path string) ([]T, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []T{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return []T{}, nil
	}
	var out []T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func writeJSON[T any](path string, v []T) error {
	if v == nil {
		v = []T{}
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	fail := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
