// Package api exposes the merge pipeline and the roster/dashboard read models
// over HTTP. Handlers stay thin: they translate requests into calls on the
// merge session and the store, which own all computation.
package api

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"classdesk/internal/db"
	"classdesk/internal/excel"
	"classdesk/internal/merge"
	"classdesk/internal/store"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Server wires handlers to the merge session and the document store.
type Server struct {
	Database  *db.Database
	Store     *store.Store
	Session   *merge.Session
	Operator  string
	DataDir   string
	Retention int

	validate *validator.Validate
}

// RegisterRoutes attaches handlers to the gin engine.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	if s.validate == nil {
		s.validate = validator.New()
	}

	router.GET("/health", s.handleHealth)

	api := router.Group("/api/v1")
	{
		api.GET("/merge/files", s.handleListFiles)
		api.POST("/merge/files", s.handleAddFiles)
		api.DELETE("/merge/files/:name", s.handleRemoveFile)
		api.POST("/merge/clear", s.handleClearSession)
		api.GET("/merge/options", s.handleGetOptions)
		api.PUT("/merge/options", s.handleSetOptions)
		api.GET("/merge/preview", s.handlePreview)
		api.POST("/merge/commit", s.handleCommit)

		api.GET("/dashboard", s.handleDashboard)
		api.GET("/score-trend", s.handleScoreTrend)

		api.GET("/history", s.handleListHistory)
		api.DELETE("/history/:id", s.handleDeleteHistory)
		api.GET("/history/:id/export", s.handleExportHistory)

		api.GET("/students", s.handleListStudents)
		api.GET("/students/scores", s.handleStudentsWithScores)
		api.PUT("/students/:id", s.handleEditStudent)
		api.POST("/students/import", s.handleImportStudents)

		api.GET("/classes", s.handleListClasses)
		api.POST("/classes", s.handleCreateClass)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	payload := gin.H{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)}
	if s.Database != nil {
		if err := s.Database.PingContext(c.Request.Context()); err != nil {
			payload["database"] = gin.H{"status": "unavailable", "error": err.Error()}
		} else {
			payload["database"] = gin.H{"status": "ok"}
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleListFiles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"files":         s.Session.Files(),
		"availableKeys": s.Session.AvailableKeys(),
		"options":       s.Session.Options(),
	})
}

// handleAddFiles ingests one or more uploaded workbooks. Duplicate filenames
// are reported back instead of ingested; the caller confirms by retrying with
// allowDuplicate=true. A file that fails to parse is registered with an error
// status and never aborts its siblings.
func (s *Server) handleAddFiles(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_parse_failed"})
		return
	}
	uploads := form.File["files"]
	if len(uploads) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_required"})
		return
	}
	allowDuplicate := c.Query("allowDuplicate") == "true"

	var added []merge.FileEntry
	var duplicates []string
	for _, upload := range uploads {
		fh, err := upload.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file_parse_failed"})
			return
		}
		data, err := io.ReadAll(fh)
		fh.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file_parse_failed"})
			return
		}

		entry, err := s.Session.AddFile(upload.Filename, data, allowDuplicate)
		if err != nil {
			if errors.Is(err, merge.ErrDuplicateFile) {
				duplicates = append(duplicates, upload.Filename)
				continue
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		added = append(added, *entry)

		s.Store.UpsertFileMeta(store.FileMeta{Name: upload.Filename, Size: upload.Size})
	}
	s.persist()

	status := http.StatusOK
	if len(duplicates) > 0 && len(added) == 0 {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{
		"files":         s.Session.Files(),
		"added":         added,
		"duplicates":    duplicates,
		"availableKeys": s.Session.AvailableKeys(),
	})
}

func (s *Server) handleRemoveFile(c *gin.Context) {
	if err := s.Session.RemoveFile(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleClearSession(c *gin.Context) {
	s.Session.ClearAll()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) handleGetOptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"options": s.Session.Options(), "availableKeys": s.Session.AvailableKeys()})
}

func (s *Server) handleSetOptions(c *gin.Context) {
	var opts merge.Options
	if err := c.ShouldBindJSON(&opts); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if opts.SortOrder != "" && opts.SortOrder != merge.OrderAsc && opts.SortOrder != merge.OrderDesc {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sort_order"})
		return
	}
	s.Session.SetOptions(opts)
	c.JSON(http.StatusOK, gin.H{"options": s.Session.Options()})
}

func (s *Server) handlePreview(c *gin.Context) {
	rows := s.Preview()
	c.JSON(http.StatusOK, gin.H{
		"rows":    rows,
		"headers": s.Session.Headers(),
		"total":   len(s.Session.Compute()),
	})
}

// Preview exposes the preview window for tests and handlers.
func (s *Server) Preview() []merge.Row {
	return s.Session.Preview()
}

// handleCommit runs a merge commit and streams the export workbook back.
// Persistence failure is reported in a response header, never as a failed
// download.
func (s *Server) handleCommit(c *gin.Context) {
	result, err := s.Session.Commit(c.Request.Context(), s.Operator, s.Store)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, merge.ErrNoUsableFiles):
			status = http.StatusBadRequest
		case errors.Is(err, merge.ErrMergeInFlight):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if result.PersistErr != nil {
		c.Header("X-Persist-Warning", store.UserMessage(result.PersistErr))
	}
	s.persist()

	c.Header("Content-Disposition", "attachment; filename="+result.FileName)
	c.Header("Content-Length", strconv.Itoa(len(result.Data)))
	c.Data(http.StatusOK, xlsxContentType, result.Data)
}

func (s *Server) handleDashboard(c *gin.Context) {
	c.JSON(http.StatusOK, s.Store.DashboardStats(time.Now()))
}

func (s *Server) handleScoreTrend(c *gin.Context) {
	order := store.ExamOrder(c.DefaultQuery("order", string(store.ExamOrderLabel)))
	if order != store.ExamOrderLabel && order != store.ExamOrderRecent {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exams": s.Store.ExamAverages(order)})
}

func (s *Server) handleListHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"history": s.Store.History()})
}

func (s *Server) handleDeleteHistory(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if err := s.Store.DeleteHistory(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": store.UserMessage(err)})
		return
	}
	s.persist()
	c.Status(http.StatusNoContent)
}

// handleExportHistory rebuilds the workbook of a past merge from its stored
// snapshot, keeping the recorded header order and filename.
func (s *Server) handleExportHistory(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	record, err := s.Store.HistoryByID(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": store.UserMessage(err)})
		return
	}
	data, err := excel.Encode(record.HeaderKeys, record.Snapshot)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	name := record.FileName
	if name == "" {
		name = "merged_" + strconv.FormatInt(record.Timestamp.UnixMilli(), 10) + ".xlsx"
	}
	c.Header("Content-Disposition", "attachment; filename="+name)
	c.Header("Content-Length", strconv.Itoa(len(data)))
	c.Data(http.StatusOK, xlsxContentType, data)
}

func (s *Server) handleListStudents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"students": s.Store.StudentProfiles()})
}

func (s *Server) handleStudentsWithScores(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"students": s.Store.StudentsWithScores()})
}

type editStudentRequest struct {
	StudentID string `json:"studentId" validate:"required"`
	Name      string `json:"name" validate:"required"`
	Gender    string `json:"gender"`
	ClassName string `json:"className"`
}

func (s *Server) handleEditStudent(c *gin.Context) {
	var req editStudentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "detail": err.Error()})
		return
	}

	student, err := s.Store.EditStudent(c.Param("id"), store.StudentEdit{
		NewStudentID: req.StudentID,
		Name:         req.Name,
		Gender:       req.Gender,
		ClassName:    req.ClassName,
	})
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, store.ErrStudentNotFound):
			status = http.StatusNotFound
		case errors.Is(err, store.ErrStudentIDTaken):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": store.UserMessage(err)})
		return
	}
	s.persist()
	c.JSON(http.StatusOK, student)
}

// handleImportStudents ingests a roster workbook directly into the student
// collection, reporting how many rows lacked a class column.
func (s *Server) handleImportStudents(c *gin.Context) {
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_required"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_parse_failed"})
		return
	}
	rows, _, err := excel.ReadRows(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report := s.Store.ImportStudents(rows)
	s.persist()
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleListClasses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"classes": s.Store.ClassSummaries()})
}

type createClassRequest struct {
	ClassName string `json:"className" validate:"required"`
}

func (s *Server) handleCreateClass(c *gin.Context) {
	var req createClassRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": store.UserMessage(store.ErrClassNameEmpty)})
		return
	}
	class, err := s.Store.CreateClass(req.ClassName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": store.UserMessage(err)})
		return
	}
	s.persist()
	c.JSON(http.StatusCreated, class)
}

// persist saves the store snapshot after a mutation. Failures degrade to a
// diagnostic log; reads keep serving the in-memory state.
func (s *Server) persist() {
	if s.DataDir != "" {
		if err := s.Store.SaveTo(s.DataDir); err != nil {
			log.Printf("snapshot save failed: %v", err)
		}
	}
	if s.Database != nil {
		if err := s.Store.SaveToDatabaseWithRetention(s.Database.SQL(), s.Retention); err != nil {
			log.Printf("database snapshot save failed: %v", err)
		}
	}
}

func parseIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}
