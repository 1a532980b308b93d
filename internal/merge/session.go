package merge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"classdesk/internal/excel"
)

var (
	// ErrDuplicateFile is returned when a filename is already part of the
	// session and the caller did not explicitly allow the duplicate.
	ErrDuplicateFile = errors.New("duplicate_file")
	// ErrMergeInFlight is returned when a commit is already running.
	ErrMergeInFlight = errors.New("merge_in_flight")
	// ErrNoUsableFiles is returned when no file has parsed successfully.
	ErrNoUsableFiles = errors.New("no_usable_files")
	// ErrFileNotFound is returned when removing an unknown filename.
	ErrFileNotFound = errors.New("file_not_found")
)

// FileStatus tracks the parse outcome of an added file.
type FileStatus string

const (
	StatusPending FileStatus = "pending"
	StatusSuccess FileStatus = "success"
	StatusError   FileStatus = "error"
)

// FileEntry describes one uploaded file within the session.
type FileEntry struct {
	Name   string     `json:"name"`
	Size   int64      `json:"size"`
	Status FileStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// Options selects the dedup/sort behaviour of the merged view.
type Options struct {
	DedupEnabled bool   `json:"dedupEnabled"`
	DedupKey     string `json:"dedupKey"`
	SortEnabled  bool   `json:"sortEnabled"`
	SortKey      string `json:"sortKey"`
	SortOrder    Order  `json:"sortOrder"`
}

// StudentUpsert is a student identity proposed by a merge commit.
type StudentUpsert struct {
	StudentID string
	Name      string
	ClassName string
	Gender    string
}

// ScoreUpsert is a score record proposed by a merge commit.
type ScoreUpsert struct {
	StudentID string
	Subject   string
	Term      string
	Category  string
	Score     float64
	Raw       Row
}

// CommitRecord carries everything a commit persists: entity upserts plus the
// audit snapshot of the merged row set.
type CommitRecord struct {
	Timestamp    time.Time
	FileName     string
	FileCount    int
	StudentCount int
	Operator     string
	HeaderKeys   []string
	Rows         []Row
	Students     []StudentUpsert
	Scores       []ScoreUpsert
}

// Sink persists the outcome of a merge commit.
type Sink interface {
	RecordMerge(ctx context.Context, record CommitRecord) error
}

// CommitResult is returned to the caller after a successful commit. The
// export always succeeds when the result is non-nil; PersistErr reports a
// non-blocking persistence failure.
type CommitResult struct {
	FileName   string
	Data       []byte
	RowCount   int
	PersistErr error
}

// PreviewLimit is the number of rows exposed to the preview read model.
const PreviewLimit = 50

// fileState couples a file entry with its parsed rows. Rows live on the entry
// itself so entries sharing a filename never share or clobber each other's
// parse results.
type fileState struct {
	entry FileEntry
	rows  []Row
}

// Session coordinates one merge workspace: added files, their parsed rows and
// the dedup/sort configuration. Files are parsed exactly once; recomputing the
// merged view never re-reads file bytes.
type Session struct {
	mu            sync.Mutex
	files         []*fileState
	headers       []string
	headerSeen    map[string]struct{}
	availableKeys []string
	opts          Options
	committing    bool
}

// NewSession creates an empty session with dedup enabled and sort disabled.
func NewSession() *Session {
	return &Session{
		headerSeen: make(map[string]struct{}),
		opts:       Options{DedupEnabled: true, SortOrder: OrderAsc},
	}
}

// AddFile parses the file and registers it in the session. A filename already
// present is rejected with ErrDuplicateFile unless allowDuplicate is set; the
// caller decides and retries, there is no blocking prompt. Parse failures are
// recorded on the entry and never abort sibling files.
func (s *Session) AddFile(name string, data []byte, allowDuplicate bool) (*FileEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasFileLocked(name) && !allowDuplicate {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateFile, name)
	}

	state := &fileState{entry: FileEntry{Name: name, Size: int64(len(data)), Status: StatusPending}}
	s.files = append(s.files, state)

	rows, headers, err := excel.ReadRows(data)
	if err != nil {
		state.entry.Status = StatusError
		state.entry.Error = err.Error()
		log.Printf("parse failed for %s: %v", name, err)
		out := state.entry
		return &out, nil
	}

	state.entry.Status = StatusSuccess
	state.rows = rows
	s.mergeHeadersLocked(headers)
	s.ensureKeysLocked(headers)
	out := state.entry
	return &out, nil
}

func (s *Session) hasFileLocked(name string) bool {
	for _, f := range s.files {
		if f.entry.Name == name {
			return true
		}
	}
	return false
}

// mergeHeadersLocked unions headers in first-seen order for faithful export.
func (s *Session) mergeHeadersLocked(headers []string) {
	for _, h := range headers {
		if _, ok := s.headerSeen[h]; ok {
			continue
		}
		s.headerSeen[h] = struct{}{}
		s.headers = append(s.headers, h)
	}
}

// ensureKeysLocked locks in the key choices from the first successful parse:
// the discovered columns become the selectable keys and the first column is
// the default dedup/sort key.
func (s *Session) ensureKeysLocked(headers []string) {
	if len(s.availableKeys) > 0 || len(headers) == 0 {
		return
	}
	s.availableKeys = append([]string{}, headers...)
	if s.opts.DedupKey == "" {
		s.opts.DedupKey = headers[0]
	}
	if s.opts.SortKey == "" {
		s.opts.SortKey = headers[0]
	}
}

// RemoveFile drops one file entry and its parsed rows. With duplicate
// filenames only the first matching entry is removed; the others keep their
// own rows.
func (s *Session) RemoveFile(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.files {
		if f.entry.Name == name {
			s.files = append(s.files[:i], s.files[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrFileNotFound, name)
}

// ClearAll resets the session to its initial state.
func (s *Session) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = nil
	s.headers = nil
	s.headerSeen = make(map[string]struct{})
	s.availableKeys = nil
	s.opts = Options{DedupEnabled: true, SortOrder: OrderAsc}
}

// Files lists the session files with their statuses.
func (s *Session) Files() []FileEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FileEntry, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f.entry)
	}
	return out
}

// AvailableKeys lists the columns selectable as dedup/sort keys.
func (s *Session) AvailableKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.availableKeys...)
}

// Options returns the current configuration.
func (s *Session) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// SetOptions replaces the dedup/sort configuration. The merged view is always
// recomputed from the full row union, so toggling is safe at any time.
func (s *Session) SetOptions(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.SortOrder == "" {
		opts.SortOrder = OrderAsc
	}
	s.opts = opts
}

// Compute derives the current merged view from the cached rows of every
// successfully parsed file, in add order, applying dedup and sort per the
// options. It is pure with respect to the session and re-runnable at any time.
func (s *Session) Compute() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.computeLocked()
}

func (s *Session) computeLocked() []Row {
	var all []Row
	for _, f := range s.files {
		if f.entry.Status != StatusSuccess {
			continue
		}
		all = append(all, f.rows...)
	}
	if s.opts.DedupEnabled {
		all = Deduplicate(all, s.opts.DedupKey)
	}
	if s.opts.SortEnabled && s.opts.SortKey != "" {
		SortRows(all, s.opts.SortKey, s.opts.SortOrder)
	}
	return all
}

// Preview returns the first rows of the current merged view.
func (s *Session) Preview() []Row {
	rows := s.Compute()
	if len(rows) > PreviewLimit {
		rows = rows[:PreviewLimit]
	}
	return rows
}

// Headers returns the exported column order: the union of all parsed headers
// in first-seen order.
func (s *Session) Headers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.headers...)
}

// Commit runs one end-to-end merge: compute the merged view, derive student
// and score upserts, persist them through the sink and encode the export
// workbook. Persistence failure is logged and reported on the result without
// blocking the export; an export failure aborts the commit. Commits are
// serialized — a second concurrent call fails with ErrMergeInFlight.
func (s *Session) Commit(ctx context.Context, operator string, sink Sink) (*CommitResult, error) {
	s.mu.Lock()
	if s.committing {
		s.mu.Unlock()
		return nil, ErrMergeInFlight
	}
	s.committing = true
	usable := false
	for _, f := range s.files {
		if f.entry.Status == StatusSuccess {
			usable = true
			break
		}
	}
	rows := s.computeLocked()
	headers := append([]string{}, s.headers...)
	fileCount := len(s.files)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.committing = false
		s.mu.Unlock()
	}()

	if !usable {
		return nil, ErrNoUsableFiles
	}

	students, scores := DeriveEntities(rows)

	now := time.Now()
	record := CommitRecord{
		Timestamp:    now,
		FileName:     fmt.Sprintf("merged_%d.xlsx", now.UnixMilli()),
		FileCount:    fileCount,
		StudentCount: len(students),
		Operator:     operator,
		HeaderKeys:   headers,
		Rows:         rows,
		Students:     students,
		Scores:       scores,
	}

	var persistErr error
	if sink != nil {
		if err := sink.RecordMerge(ctx, record); err != nil {
			persistErr = err
			log.Printf("merge persist failed: %v", err)
		}
	}

	data, err := excel.Encode(headers, rows)
	if err != nil {
		return nil, fmt.Errorf("export merge result: %w", err)
	}
	return &CommitResult{
		FileName:   record.FileName,
		Data:       data,
		RowCount:   len(rows),
		PersistErr: persistErr,
	}, nil
}

// DeriveEntities extracts student identities and score records from merged
// rows. One student per distinct id; the first row bearing the id creates it
// and later rows backfill fields that are still empty. A row yields a score
// record only when it resolves both a student id and a numeric score.
func DeriveEntities(rows []Row) ([]StudentUpsert, []ScoreUpsert) {
	byID := make(map[string]int)
	var students []StudentUpsert
	var scores []ScoreUpsert

	for _, row := range rows {
		studentID := PickString(row, StudentIDKeys)
		if studentID == "" {
			continue
		}

		name := PickString(row, NameKeys)
		className := PickString(row, ClassKeys)
		gender := ""
		if g := PickString(row, GenderKeys); g != "" {
			gender = NormalizeGender(g)
		}

		if at, ok := byID[studentID]; ok {
			if students[at].Name == "" {
				students[at].Name = name
			}
			if students[at].ClassName == "" {
				students[at].ClassName = className
			}
			if students[at].Gender == "" {
				students[at].Gender = gender
			}
		} else {
			byID[studentID] = len(students)
			students = append(students, StudentUpsert{
				StudentID: studentID,
				Name:      name,
				ClassName: className,
				Gender:    gender,
			})
		}

		if score, ok := PickNumber(row, ScoreKeys); ok {
			scores = append(scores, ScoreUpsert{
				StudentID: studentID,
				Subject:   PickString(row, SubjectKeys),
				Term:      PickString(row, TermKeys),
				Category:  PickString(row, CategoryKeys),
				Score:     score,
				Raw:       row,
			})
		}
	}
	return students, scores
}
