package store

import (
	"fmt"
	"sort"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"classdesk/internal/merge"
)

// trendWindow is the width of the trailing window trend percentages compare.
const trendWindow = 7 * 24 * time.Hour

// recentActivityLimit caps the dashboard activity feed.
const recentActivityLimit = 6

// examGroupLimit caps the average-score trend groups.
const examGroupLimit = 8

// Activity is one entry of the dashboard recent-activity feed.
type Activity struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// DashboardStats is the dashboard read model. Trend pointers are nil when the
// previous window held no records; an undefined trend is never reported as 0%.
type DashboardStats struct {
	StudentCount int `json:"studentCount"`
	ScoreCount   int `json:"scoreCount"`
	MergeCount   int `json:"mergeCount"`
	FileCount    int `json:"fileCount"`

	StudentTrend *float64 `json:"studentTrend,omitempty"`
	ScoreTrend   *float64 `json:"scoreTrend,omitempty"`
	MergeTrend   *float64 `json:"mergeTrend,omitempty"`

	LastMergeAt      *time.Time `json:"lastMergeAt,omitempty"`
	RecentActivities []Activity `json:"recentActivities"`
}

// DashboardStats computes the dashboard counters, 7-day trends and the
// recent-activity feed as of now.
func (s *Store) DashboardStats(now time.Time) DashboardStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := DashboardStats{
		StudentCount:     len(s.students),
		ScoreCount:       len(s.scores),
		MergeCount:       len(s.history),
		FileCount:        len(s.files),
		RecentActivities: []Activity{},
	}

	studentTimes := make([]time.Time, 0, len(s.students))
	for _, st := range s.students {
		studentTimes = append(studentTimes, st.CreatedAt)
	}
	scoreTimes := make([]time.Time, 0, len(s.scores))
	for _, sc := range s.scores {
		scoreTimes = append(scoreTimes, sc.CreatedAt)
	}
	mergeTimes := make([]time.Time, 0, len(s.history))
	for _, h := range s.history {
		mergeTimes = append(mergeTimes, h.Timestamp)
		if stats.LastMergeAt == nil || h.Timestamp.After(*stats.LastMergeAt) {
			ts := h.Timestamp
			stats.LastMergeAt = &ts
		}
	}
	stats.StudentTrend = trendPercent(studentTimes, now)
	stats.ScoreTrend = trendPercent(scoreTimes, now)
	stats.MergeTrend = trendPercent(mergeTimes, now)

	recent := make([]*MergeHistoryRecord, len(s.history))
	copy(recent, s.history)
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].Timestamp.After(recent[j].Timestamp) })
	if len(recent) > recentActivityLimit {
		recent = recent[:recentActivityLimit]
	}
	for _, h := range recent {
		stats.RecentActivities = append(stats.RecentActivities, Activity{
			ID:          h.ID,
			Title:       fmt.Sprintf("合并了 %d 个文件", h.FileCount),
			Description: fmt.Sprintf("生成 %s，包含 %d 名学生", h.FileName, h.StudentCount),
			Timestamp:   h.Timestamp,
		})
	}
	return stats
}

// trendPercent compares the trailing window against the window before it,
// keyed by creation timestamps. Undefined (nil) when the previous window is
// empty, to avoid a misleading unbounded-increase signal.
func trendPercent(times []time.Time, now time.Time) *float64 {
	windowStart := now.Add(-trendWindow)
	previousStart := now.Add(-2 * trendWindow)
	recent, previous := 0, 0
	for _, t := range times {
		switch {
		case t.After(windowStart) && !t.After(now):
			recent++
		case t.After(previousStart) && !t.After(windowStart):
			previous++
		}
	}
	if previous == 0 {
		return nil
	}
	pct := float64(recent-previous) / float64(previous) * 100
	return &pct
}

// ExamOrder selects how average-score groups are ordered.
type ExamOrder string

const (
	// ExamOrderLabel sorts groups by exam label under Chinese collation.
	// Labels usually embed their chronology, but this is label order, not
	// time order.
	ExamOrderLabel ExamOrder = "label"
	// ExamOrderRecent sorts groups by the earliest score timestamp seen for
	// the exam.
	ExamOrderRecent ExamOrder = "recent"
)

// ExamAverage is the mean score of one exam group.
type ExamAverage struct {
	Exam    string  `json:"exam"`
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// ExamAverages groups scores by resolved exam identifier, averages each group
// and returns the first groups in the requested order.
func (s *Store) ExamAverages(order ExamOrder) []ExamAverage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type group struct {
		sum   float64
		count int
		first time.Time
	}
	groups := map[string]*group{}
	for _, sc := range s.scores {
		label := merge.ExamLabel(sc.Term, sc.Category, sc.Subject)
		g, ok := groups[label]
		if !ok {
			g = &group{first: sc.CreatedAt}
			groups[label] = g
		}
		g.sum += sc.Score
		g.count++
		if sc.CreatedAt.Before(g.first) {
			g.first = sc.CreatedAt
		}
	}

	labels := make([]string, 0, len(groups))
	for label := range groups {
		labels = append(labels, label)
	}
	if order == ExamOrderRecent {
		sort.Slice(labels, func(i, j int) bool {
			return groups[labels[i]].first.Before(groups[labels[j]].first)
		})
	} else {
		coll := collate.New(language.Chinese, collate.Numeric)
		coll.SortStrings(labels)
	}
	if len(labels) > examGroupLimit {
		labels = labels[:examGroupLimit]
	}

	out := make([]ExamAverage, 0, len(labels))
	for _, label := range labels {
		g := groups[label]
		out = append(out, ExamAverage{Exam: label, Average: g.sum / float64(g.count), Count: g.count})
	}
	return out
}

// ResolveClassName determines a student's effective class: their own record
// first, then any class-like column recovered from the raw rows of their
// scores, then the unassigned placeholder. The fallback covers students whose
// record predates a class column their later score imports carried.
func (s *Store) ResolveClassName(studentID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveClassLocked(studentID)
}

func (s *Store) resolveClassLocked(studentID string) string {
	if st, ok := s.students[studentID]; ok && st.ClassName != "" {
		return st.ClassName
	}
	for _, sc := range s.scores {
		if sc.StudentID != studentID || sc.Raw == nil {
			continue
		}
		if name := merge.PickString(sc.Raw, merge.ClassKeys); name != "" {
			return name
		}
	}
	return merge.UnassignedClass
}

// ClassSummary is the per-class roster read model.
type ClassSummary struct {
	ClassName      string     `json:"className"`
	StudentCount   int        `json:"studentCount"`
	LastActivity   *time.Time `json:"lastActivity,omitempty"`
	CompletionRate float64    `json:"completionRate"`
}

// ClassSummaries lists every class — explicit ClassMeta entries unioned with
// classes resolved from students — with student count, most recent activity
// and completion rate (students with at least one score over all students).
func (s *Store) ClassSummaries() []ClassSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type tally struct {
		students   int
		withScores int
		last       time.Time
		hasLast    bool
	}
	tallies := map[string]*tally{}
	for name := range s.classes {
		tallies[name] = &tally{}
	}

	scoresByStudent := map[string][]*ScoreRecord{}
	for _, sc := range s.scores {
		scoresByStudent[sc.StudentID] = append(scoresByStudent[sc.StudentID], sc)
	}

	for _, id := range s.studentOrder {
		st, ok := s.students[id]
		if !ok {
			continue
		}
		name := s.resolveClassLocked(id)
		t, ok := tallies[name]
		if !ok {
			t = &tally{}
			tallies[name] = t
		}
		t.students++

		bump := func(ts time.Time) {
			if !ts.IsZero() && (!t.hasLast || ts.After(t.last)) {
				t.last = ts
				t.hasLast = true
			}
		}
		bump(st.CreatedAt)
		bump(st.UpdatedAt)
		if scores := scoresByStudent[id]; len(scores) > 0 {
			t.withScores++
			for _, sc := range scores {
				bump(sc.CreatedAt)
			}
		}
	}

	names := make([]string, 0, len(tallies))
	for name := range tallies {
		names = append(names, name)
	}
	coll := collate.New(language.Chinese, collate.Numeric)
	coll.SortStrings(names)

	out := make([]ClassSummary, 0, len(names))
	for _, name := range names {
		t := tallies[name]
		summary := ClassSummary{ClassName: name, StudentCount: t.students}
		if t.hasLast {
			ts := t.last
			summary.LastActivity = &ts
		}
		if t.students > 0 {
			summary.CompletionRate = float64(t.withScores) / float64(t.students)
		}
		out = append(out, summary)
	}
	return out
}

// StudentProfile is the per-student roster read model. AverageScore is nil,
// not zero, when the student has no scores.
type StudentProfile struct {
	Student
	ResolvedClass string   `json:"resolvedClass"`
	ExamCount     int      `json:"examCount"`
	ScoreCount    int      `json:"scoreCount"`
	AverageScore  *float64 `json:"averageScore,omitempty"`
}

// StudentProfiles aggregates every student's exam participation and average
// score.
func (s *Store) StudentProfiles() []StudentProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scoresByStudent := map[string][]*ScoreRecord{}
	for _, sc := range s.scores {
		scoresByStudent[sc.StudentID] = append(scoresByStudent[sc.StudentID], sc)
	}

	out := make([]StudentProfile, 0, len(s.studentOrder))
	for _, id := range s.studentOrder {
		st, ok := s.students[id]
		if !ok {
			continue
		}
		profile := StudentProfile{Student: *st, ResolvedClass: s.resolveClassLocked(id)}
		scores := scoresByStudent[id]
		profile.ScoreCount = len(scores)
		if len(scores) > 0 {
			exams := map[string]struct{}{}
			sum := 0.0
			for _, sc := range scores {
				exams[merge.ExamLabel(sc.Term, sc.Category, sc.Subject)] = struct{}{}
				sum += sc.Score
			}
			profile.ExamCount = len(exams)
			avg := sum / float64(len(scores))
			profile.AverageScore = &avg
		}
		out = append(out, profile)
	}
	return out
}

// StudentWithScores couples a student with their score records for the
// restore-on-open read model.
type StudentWithScores struct {
	Student
	Scores []ScoreRecord `json:"scores"`
}

// StudentsWithScores returns every student together with their scores.
func (s *Store) StudentsWithScores() []StudentWithScores {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scoresByStudent := map[string][]ScoreRecord{}
	for _, sc := range s.scores {
		scoresByStudent[sc.StudentID] = append(scoresByStudent[sc.StudentID], *sc)
	}
	out := make([]StudentWithScores, 0, len(s.studentOrder))
	for _, id := range s.studentOrder {
		st, ok := s.students[id]
		if !ok {
			continue
		}
		out = append(out, StudentWithScores{Student: *st, Scores: scoresByStudent[id]})
	}
	return out
}

// ImportReport summarizes an explicit student import.
type ImportReport struct {
	Imported     int `json:"imported"`
	MissingClass int `json:"missingClassCount"`
	SkippedNoID  int `json:"skippedNoId"`
}

// ImportStudents upserts students from normalized roster rows. Rows without a
// resolvable student id are skipped and counted; rows without a class column
// land in the 未分班 placeholder class and are counted as missing a class.
func (s *Store) ImportStudents(rows []merge.Row) ImportReport {
	now := time.Now()
	report := ImportReport{}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		studentID := merge.PickString(row, merge.StudentIDKeys)
		if studentID == "" {
			report.SkippedNoID++
			continue
		}
		className := merge.PickString(row, merge.ClassKeys)
		if className == "" {
			report.MissingClass++
			className = merge.UnassignedClass
		}
		gender := ""
		if g := merge.PickString(row, merge.GenderKeys); g != "" {
			gender = merge.NormalizeGender(g)
		}
		s.upsertStudentLocked(merge.StudentUpsert{
			StudentID: studentID,
			Name:      merge.PickString(row, merge.NameKeys),
			ClassName: className,
			Gender:    gender,
		}, now)
		report.Imported++
	}
	return report
}
