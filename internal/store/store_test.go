package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"classdesk/internal/merge"
)

func TestUpsertStudentsPreservesCreatedAt(t *testing.T) {
	s := NewStore()
	s.UpsertStudents([]merge.StudentUpsert{{StudentID: "S1", Name: "Ann", ClassName: "一班"}})

	first, err := s.StudentByID("S1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if first.CreatedAt.IsZero() {
		t.Fatalf("created_at must be set on insert")
	}

	time.Sleep(5 * time.Millisecond)
	s.UpsertStudents([]merge.StudentUpsert{{StudentID: "S1", Name: "Ann Lee"}})

	second, err := s.StudentByID("S1")
	if err != nil {
		t.Fatalf("fetch after upsert: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed across upserts: %v vs %v", second.CreatedAt, first.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("updated_at should advance")
	}
	if second.Name != "Ann Lee" {
		t.Fatalf("non-empty field should overwrite, got %q", second.Name)
	}
	if second.ClassName != "一班" {
		t.Fatalf("empty incoming field must not clear the stored value, got %q", second.ClassName)
	}
}

func TestUpsertStudentsRegistersClass(t *testing.T) {
	s := NewStore()
	s.UpsertStudents([]merge.StudentUpsert{{StudentID: "S1", Name: "Ann", ClassName: "二班"}})
	classes := s.Classes()
	if len(classes) != 1 || classes[0].ClassName != "二班" {
		t.Fatalf("class metadata should be upserted alongside students, got %v", classes)
	}
}

func TestAppendScoresIsCumulative(t *testing.T) {
	s := NewStore()
	upserts := []merge.ScoreUpsert{{StudentID: "S1", Subject: "数学", Score: 92}}
	s.AppendScores(upserts)
	s.AppendScores(upserts)

	scores := s.Scores()
	if len(scores) != 2 {
		t.Fatalf("repeat imports must accumulate, got %d records", len(scores))
	}
	if scores[0].ID == scores[1].ID {
		t.Fatalf("score ids must be unique")
	}
}

func TestEditStudentRenameMigratesScores(t *testing.T) {
	s := NewStore()
	s.UpsertStudents([]merge.StudentUpsert{{StudentID: "old", Name: "Ann"}})
	s.AppendScores([]merge.ScoreUpsert{
		{StudentID: "old", Subject: "数学", Score: 90},
		{StudentID: "other", Subject: "数学", Score: 60},
	})

	updated, err := s.EditStudent("old", StudentEdit{NewStudentID: "new", Name: "Ann", Gender: "m", ClassName: "三班"})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if updated.StudentID != "new" || updated.Gender != "男" {
		t.Fatalf("unexpected updated record: %+v", updated)
	}
	if _, err := s.StudentByID("old"); !errors.Is(err, ErrStudentNotFound) {
		t.Fatalf("old id should be gone, got %v", err)
	}
	if got := len(s.ScoresByStudent("new")); got != 1 {
		t.Fatalf("scores must follow the rename, got %d", got)
	}
	if got := len(s.ScoresByStudent("other")); got != 1 {
		t.Fatalf("unrelated scores must be untouched, got %d", got)
	}
}

func TestEditStudentRenameConflictLeavesStateIntact(t *testing.T) {
	s := NewStore()
	s.UpsertStudents([]merge.StudentUpsert{
		{StudentID: "a", Name: "Ann"},
		{StudentID: "b", Name: "Bob"},
	})
	s.AppendScores([]merge.ScoreUpsert{{StudentID: "a", Score: 90}})

	_, err := s.EditStudent("a", StudentEdit{NewStudentID: "b", Name: "Ann"})
	if !errors.Is(err, ErrStudentIDTaken) {
		t.Fatalf("expected ErrStudentIDTaken, got %v", err)
	}
	if st, err := s.StudentByID("a"); err != nil || st.Name != "Ann" {
		t.Fatalf("rejected edit must not mutate, got %+v err %v", st, err)
	}
	if got := len(s.ScoresByStudent("a")); got != 1 {
		t.Fatalf("scores must be untouched after rejection, got %d", got)
	}
}

func TestEditStudentValidation(t *testing.T) {
	s := NewStore()
	s.UpsertStudents([]merge.StudentUpsert{{StudentID: "a", Name: "Ann"}})

	if _, err := s.EditStudent("a", StudentEdit{NewStudentID: "  ", Name: "Ann"}); !errors.Is(err, ErrStudentIDEmpty) {
		t.Fatalf("expected ErrStudentIDEmpty, got %v", err)
	}
	if _, err := s.EditStudent("a", StudentEdit{NewStudentID: "a", Name: " "}); !errors.Is(err, ErrStudentNameEmpty) {
		t.Fatalf("expected ErrStudentNameEmpty, got %v", err)
	}
	if _, err := s.EditStudent("missing", StudentEdit{NewStudentID: "missing", Name: "X"}); !errors.Is(err, ErrStudentNotFound) {
		t.Fatalf("expected ErrStudentNotFound, got %v", err)
	}
}

func TestRecordMergeWritesHistory(t *testing.T) {
	s := NewStore()
	record := merge.CommitRecord{
		Timestamp:    time.Now(),
		FileName:     "merged_1.xlsx",
		FileCount:    2,
		StudentCount: 1,
		Operator:     "teacher",
		HeaderKeys:   []string{"studentId", "score"},
		Rows:         []merge.Row{{"studentId": "S1", "score": 90.0}},
		Students:     []merge.StudentUpsert{{StudentID: "S1", Name: "Ann"}},
		Scores:       []merge.ScoreUpsert{{StudentID: "S1", Score: 90}},
	}
	if err := s.RecordMerge(context.Background(), record); err != nil {
		t.Fatalf("record merge: %v", err)
	}

	history := s.History()
	if len(history) != 1 {
		t.Fatalf("expected one history entry, got %d", len(history))
	}
	entry := history[0]
	if entry.ID == 0 || entry.FileName != "merged_1.xlsx" || len(entry.Snapshot) != 1 {
		t.Fatalf("unexpected history entry: %+v", entry)
	}
	if len(s.Students()) != 1 || len(s.Scores()) != 1 {
		t.Fatalf("merge must upsert students and append scores in the same commit")
	}
}

func TestHistoryNewestFirstAndDelete(t *testing.T) {
	s := NewStore()
	base := time.Now()
	for i := 0; i < 3; i++ {
		record := merge.CommitRecord{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			FileName:  "merged.xlsx",
		}
		if err := s.RecordMerge(context.Background(), record); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	history := s.History()
	if len(history) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(history))
	}
	if !history[0].Timestamp.After(history[2].Timestamp) {
		t.Fatalf("history must list newest first")
	}

	if err := s.DeleteHistory(history[1].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := len(s.History()); got != 2 {
		t.Fatalf("expected 2 entries after delete, got %d", got)
	}
	if err := s.DeleteHistory(9999); !errors.Is(err, ErrHistoryNotFound) {
		t.Fatalf("expected ErrHistoryNotFound, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := NewStore()
	s.UpsertStudents([]merge.StudentUpsert{
		{StudentID: "S1", Name: "Ann", ClassName: "一班", Gender: "女"},
		{StudentID: "S2", Name: "Bob"},
	})
	s.AppendScores([]merge.ScoreUpsert{{StudentID: "S1", Subject: "数学", Score: 92, Raw: merge.Row{"学号": "S1"}}})
	s.UpsertFileMeta(FileMeta{Name: "a.xlsx", Size: 12})
	if err := s.RecordMerge(context.Background(), merge.CommitRecord{Timestamp: time.Now(), FileName: "merged.xlsx"}); err != nil {
		t.Fatalf("record merge: %v", err)
	}

	dir := t.TempDir()
	if err := s.SaveTo(dir); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := NewStore()
	if err := restored.LoadFrom(dir); err != nil {
		t.Fatalf("load: %v", err)
	}

	students := restored.Students()
	if len(students) != 2 || students[0].StudentID != "S1" || students[1].StudentID != "S2" {
		t.Fatalf("student order must survive the round trip, got %v", students)
	}
	scores := restored.Scores()
	if len(scores) != 1 || scores[0].Raw["学号"] != "S1" {
		t.Fatalf("raw rows must survive the round trip, got %v", scores)
	}
	if len(restored.Files()) != 1 || len(restored.History()) != 1 || len(restored.Classes()) != 1 {
		t.Fatalf("all collections must be restored")
	}

	// New writes after a restore must not collide with restored ids.
	appended := restored.AppendScores([]merge.ScoreUpsert{{StudentID: "S2", Score: 70}})
	if appended[0].ID <= scores[0].ID {
		t.Fatalf("score id sequence must continue after restore")
	}
}

func TestLoadFromMissingSnapshotIsClean(t *testing.T) {
	s := NewStore()
	if err := s.LoadFrom(t.TempDir()); err != nil {
		t.Fatalf("missing snapshot should not error, got %v", err)
	}
	if len(s.Students()) != 0 {
		t.Fatalf("store should stay empty")
	}
}

func TestSaveToWithRetentionPrunesBackups(t *testing.T) {
	s := NewStore()
	s.UpsertStudents([]merge.StudentUpsert{{StudentID: "S1", Name: "Ann"}})

	dir := t.TempDir()
	// Pre-seed stale backups older than anything SaveToWithRetention writes.
	for _, name := range []string{
		"snapshot-2001-01-01T00-00-00Z.json",
		"snapshot-2001-01-02T00-00-00Z.json",
		"snapshot-2001-01-03T00-00-00Z.json",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("seed backup: %v", err)
		}
	}

	if err := s.SaveToWithRetention(dir, 2); err != nil {
		t.Fatalf("save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	backups := 0
	sawMain := false
	for _, entry := range entries {
		name := entry.Name()
		if name == "snapshot.json" {
			sawMain = true
			continue
		}
		if strings.HasPrefix(name, "snapshot-") && strings.HasSuffix(name, ".json") {
			backups++
		}
	}
	if !sawMain {
		t.Fatalf("snapshot.json missing")
	}
	if backups != 2 {
		t.Fatalf("expected retention to keep 2 backups, got %d", backups)
	}
}
