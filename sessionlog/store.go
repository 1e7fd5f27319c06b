package sessionlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for unknown sessions and records.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt is matched by every CorruptionError.
	ErrCorrupt = errors.New("session log corrupt")
)

// CorruptionError reports a log that cannot be replayed.
type CorruptionError struct {
	SessionID string
	Line      int
	Err       error
}

func (e *CorruptionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("session %s: corrupt log at line %d: %v", e.SessionID, e.Line, e.Err)
	}
	return fmt.Sprintf("session %s: corrupt log: %v", e.SessionID, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupt }

// Store persists sessions and their records.
type Store interface {
	NewSession(ctx context.Context, workingDir string) (Session, error)
	// Append adds rec to the end of the session log and returns it with its
	// id, session id and timestamp filled in.
	Append(ctx context.Context, sessionID string, rec Record) (Record, error)
	// Load returns every record in append order.
	Load(ctx context.Context, sessionID string) ([]Record, error)
	Session(ctx context.Context, sessionID string) (Session, error)
	// List returns the sessions of a working directory, newest first. An
	// empty workingDir lists every session.
	List(ctx context.Context, workingDir string) ([]Session, error)
	// Fork copies the log up to and including atRecordID into a new session.
	// An empty atRecordID copies the whole log.
	Fork(ctx context.Context, sessionID, atRecordID string) (Session, error)
}

// FileStore keeps each session as <root>/projects/<fingerprint>/<id>.jsonl
// with a <id>.meta.json sidecar.
type FileStore struct {
	root   string
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*logState
}

// logState is the writer-side view of one log. Its mutex serialises appends.
type logState struct {
	mu     sync.Mutex
	path   string
	loaded bool
	ids    map[string]struct{}
}

// StoreOption configures a FileStore.
type StoreOption func(*FileStore)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *FileStore) { s.logger = l }
}

// NewFileStore creates a store rooted at root, creating the directory if
// needed.
func NewFileStore(root string, opts ...StoreOption) (*FileStore, error) {
	if root == "" {
		root = DefaultStateDir()
	}
	if err := os.MkdirAll(filepath.Join(root, "projects"), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &FileStore{root: root, sessions: make(map[string]*logState)}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Root returns the state directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) NewSession(ctx context.Context, workingDir string) (Session, error) {
	return s.create(ctx, workingDir, nil, nil)
}

func (s *FileStore) create(ctx context.Context, workingDir string, from *ForkPoint, records []Record) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	abs, err := filepath.Abs(workingDir)
	if err != nil {
		return Session{}, fmt.Errorf("resolve working dir: %w", err)
	}
	meta := Session{
		ID:          uuid.NewString(),
		WorkingDir:  abs,
		Fingerprint: Fingerprint(abs),
		CreatedAt:   time.Now().UTC(),
		ForkedFrom:  from,
	}
	dir := filepath.Join(s.root, "projects", meta.Fingerprint)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Session{}, fmt.Errorf("create project dir: %w", err)
	}

	var buf bytes.Buffer
	for _, rec := range records {
		rec.SessionID = meta.ID
		line, err := json.Marshal(rec)
		if err != nil {
			return Session{}, fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
		if rec.Role == RoleUser {
			meta.TurnCount++
		}
	}

	logPath := filepath.Join(dir, meta.ID+".jsonl")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Session{}, fmt.Errorf("create session log: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return Session{}, fmt.Errorf("write session log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return Session{}, fmt.Errorf("sync session log: %w", err)
	}
	if err := f.Close(); err != nil {
		return Session{}, err
	}
	if err := writeMeta(filepath.Join(dir, meta.ID+".meta.json"), meta); err != nil {
		return Session{}, err
	}

	s.logger.Debug("session created", "session_id", meta.ID, "working_dir", abs, "records", len(records))
	return meta, nil
}

func writeMeta(path string, meta Session) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session meta: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".meta-*")
	if err != nil {
		return fmt.Errorf("write session meta: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session meta: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("write session meta: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write session meta: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// logPath finds the log of sessionID.
func (s *FileStore) logPath(sessionID string) (string, error) {
	if err := uuid.Validate(sessionID); err != nil {
		return "", fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	matches, err := filepath.Glob(filepath.Join(s.root, "projects", "*", sessionID+".jsonl"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return matches[0], nil
}

func (s *FileStore) state(sessionID string) (*logState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		return st, nil
	}
	path, err := s.logPath(sessionID)
	if err != nil {
		return nil, err
	}
	st := &logState{path: path}
	s.sessions[sessionID] = st
	return st, nil
}

// prepare reads the log once per process, trimming a torn tail so the next
// append starts on a clean line. Callers hold st.mu.
func (s *FileStore) prepare(sessionID string, st *logState) error {
	if st.loaded {
		return nil
	}
	data, err := os.ReadFile(st.path)
	if err != nil {
		return fmt.Errorf("read session log: %w", err)
	}
	records, bad, err := parseLog(sessionID, data)
	if err != nil {
		return err
	}
	if err := checkLineage(sessionID, records); err != nil {
		return err
	}

	switch {
	case bad != nil:
		s.logger.Warn("discarding torn tail of session log",
			"session_id", sessionID, "line", bad.line, "error", bad.err)
		if err := os.Truncate(st.path, int64(bad.offset)); err != nil {
			return fmt.Errorf("repair session log: %w", err)
		}
	case len(data) > 0 && data[len(data)-1] != '\n':
		f, err := os.OpenFile(st.path, os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("repair session log: %w", err)
		}
		_, werr := f.Write([]byte{'\n'})
		cerr := f.Close()
		if werr != nil || cerr != nil {
			return fmt.Errorf("repair session log: %w", errors.Join(werr, cerr))
		}
	}

	st.ids = make(map[string]struct{}, len(records))
	for _, r := range records {
		st.ids[r.ID] = struct{}{}
	}
	st.loaded = true
	return nil
}

func (s *FileStore) Append(ctx context.Context, sessionID string, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	st, err := s.state(sessionID)
	if err != nil {
		return Record{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := s.prepare(sessionID, st); err != nil {
		return Record{}, err
	}

	if rec.SessionID != "" && rec.SessionID != sessionID {
		return Record{}, fmt.Errorf("append: record belongs to session %s, not %s", rec.SessionID, sessionID)
	}
	rec.SessionID = sessionID
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	switch rec.Role {
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return Record{}, fmt.Errorf("append: unknown role %q", rec.Role)
	}
	if _, dup := st.ids[rec.ID]; dup {
		return Record{}, fmt.Errorf("append: duplicate record id %s", rec.ID)
	}
	switch {
	case len(st.ids) == 0 && rec.ParentID != "":
		return Record{}, fmt.Errorf("append: first record cannot have parent %s", rec.ParentID)
	case len(st.ids) > 0 && rec.ParentID == "":
		return Record{}, fmt.Errorf("append: record %s needs a parent", rec.ID)
	case rec.ParentID != "":
		if _, ok := st.ids[rec.ParentID]; !ok {
			return Record{}, fmt.Errorf("append: parent %s: %w", rec.ParentID, ErrNotFound)
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("append: encode record: %w", err)
	}
	line = append(line, '\n')

	if err := appendLine(st.path, line); err != nil {
		// The tail may now be torn; re-read before the next append.
		st.loaded = false
		return Record{}, err
	}
	st.ids[rec.ID] = struct{}{}
	return rec, nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("append: open log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("append: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("append: close: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, sessionID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.logPath(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}
	records, bad, err := parseLog(sessionID, data)
	if err != nil {
		s.logger.Error("session log corrupt", "session_id", sessionID, "error", err)
		return nil, err
	}
	if bad != nil {
		s.logger.Warn("ignoring torn tail of session log", "session_id", sessionID, "line", bad.line, "error", bad.err)
	}
	if err := checkLineage(sessionID, records); err != nil {
		s.logger.Error("session log corrupt", "session_id", sessionID, "error", err)
		return nil, err
	}
	return records, nil
}

func (s *FileStore) Session(ctx context.Context, sessionID string) (Session, error) {
	path, err := s.logPath(sessionID)
	if err != nil {
		return Session{}, err
	}
	meta, err := readMeta(metaPath(path))
	if err != nil {
		return Session{}, err
	}
	records, err := s.Load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	meta.TurnCount = countTurns(records)
	return meta, nil
}

func (s *FileStore) List(ctx context.Context, workingDir string) ([]Session, error) {
	project := "*"
	if workingDir != "" {
		abs, err := filepath.Abs(workingDir)
		if err != nil {
			return nil, err
		}
		project = Fingerprint(abs)
	}
	matches, err := filepath.Glob(filepath.Join(s.root, "projects", project, "*.meta.json"))
	if err != nil {
		return nil, err
	}

	sessions := make([]Session, 0, len(matches))
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		meta, err := readMeta(m)
		if err != nil {
			s.logger.Warn("skipping unreadable session", "path", m, "error", err)
			continue
		}
		if records, err := s.Load(ctx, meta.ID); err == nil {
			meta.TurnCount = countTurns(records)
		}
		sessions = append(sessions, meta)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *FileStore) Fork(ctx context.Context, sessionID, atRecordID string) (Session, error) {
	src, err := s.Session(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	records, err := s.Load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if atRecordID == "" && len(records) > 0 {
		atRecordID = records[len(records)-1].ID
	}
	end := len(records)
	if atRecordID != "" {
		end = -1
		for i, r := range records {
			if r.ID == atRecordID {
				end = i + 1
				break
			}
		}
		if end < 0 {
			return Session{}, fmt.Errorf("fork at record %s: %w", atRecordID, ErrNotFound)
		}
	}
	return s.create(ctx, src.WorkingDir, &ForkPoint{SessionID: sessionID, RecordID: atRecordID}, records[:end])
}

func metaPath(logPath string) string {
	return logPath[:len(logPath)-len(".jsonl")] + ".meta.json"
}

func readMeta(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Session{}, fmt.Errorf("session meta %s: %w", filepath.Base(path), ErrNotFound)
		}
		return Session{}, err
	}
	var meta Session
	if err := json.Unmarshal(data, &meta); err != nil {
		return Session{}, fmt.Errorf("decode session meta %s: %w", filepath.Base(path), err)
	}
	return meta, nil
}

func countTurns(records []Record) int {
	n := 0
	for _, r := range records {
		if r.Role == RoleUser {
			n++
		}
	}
	return n
}
