package store

import (
	"errors"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// UserMessage translates a persistence failure into the short user-facing
// text the UI shows, distinguishing storage exhaustion and constraint
// violations from generic errors.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrStudentIDTaken):
		return "学号已被其他学生占用"
	case errors.Is(err, ErrStudentNotFound):
		return "学生不存在"
	case errors.Is(err, ErrStudentIDEmpty):
		return "学号不能为空"
	case errors.Is(err, ErrStudentNameEmpty):
		return "姓名不能为空"
	case errors.Is(err, ErrClassNameEmpty):
		return "班级名称不能为空"
	case errors.Is(err, ErrHistoryNotFound):
		return "合并记录不存在"
	case errors.Is(err, syscall.ENOSPC):
		return "存储空间不足"
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "53100", "53200", "53300":
			// insufficient resources class
			return "存储空间不足"
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23" {
			// integrity constraint violation class
			return "数据约束冲突"
		}
	}
	return err.Error()
}
