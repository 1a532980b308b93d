// Package merge implements the workbook merge pipeline: header synonym
// resolution, key-based deduplication, locale-aware sorting and the session
// orchestrating parse, preview and commit.
package merge

import (
	"strconv"
	"strings"
)

// Row is a header-keyed spreadsheet row. Values are strings or float64 as
// decoded from the sheet (bool may appear after a JSON round trip).
type Row = map[string]any

// Header synonym tables. Candidates are scanned in priority order and the
// first non-empty cell wins.
var (
	StudentIDKeys = []string{"studentId", "学号", "id", "ID", "学号/ID"}
	NameKeys      = []string{"name", "姓名", "学生姓名"}
	ClassKeys     = []string{"className", "class", "Class", "班级", "班级名称", "班级名", "年级班级"}
	GenderKeys    = []string{"gender", "性别"}
	SubjectKeys   = []string{"subject", "科目"}
	TermKeys      = []string{"term", "学期"}
	CategoryKeys  = []string{"category", "考试类型", "类型"}
	ScoreKeys     = []string{"score", "成绩", "分数"}
)

// Placeholders substituted when a classification field cannot be resolved.
const (
	UnassignedClass = "未分班"
	UnknownExam     = "未知考试"
)

// PickString returns the first non-empty trimmed value among the candidate
// columns, stringified.
func PickString(row Row, candidates []string) string {
	for _, key := range candidates {
		value, ok := row[key]
		if !ok || value == nil {
			continue
		}
		if s := strings.TrimSpace(Stringify(value)); s != "" {
			return s
		}
	}
	return ""
}

// PickNumber returns the first numeric value among the candidate columns.
// Numeric strings count; anything else is treated as absent.
func PickNumber(row Row, candidates []string) (float64, bool) {
	for _, key := range candidates {
		value, ok := row[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case string:
			if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// NormalizeGender canonicalizes common gender spellings to 男/女 and passes
// anything unrecognized through trimmed.
func NormalizeGender(value string) string {
	trimmed := strings.TrimSpace(value)
	switch strings.ToLower(trimmed) {
	case "男", "male", "m", "1":
		return "男"
	case "女", "female", "f", "0":
		return "女"
	default:
		return trimmed
	}
}

// ClassName resolves the class column, defaulting to 未分班 when missing.
func ClassName(row Row) string {
	if name := PickString(row, ClassKeys); name != "" {
		return name
	}
	return UnassignedClass
}

// ExamLabel resolves the exam identifier: term, else category, else subject,
// else 未知考试.
func ExamLabel(term, category, subject string) string {
	for _, candidate := range []string{term, category, subject} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return UnknownExam
}

// Stringify renders a cell value the way it appeared in the sheet.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}
