package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"opencourse_backend/internal/certimport"
	"opencourse_backend/internal/model"
	"opencourse_backend/internal/repository"
	"opencourse_backend/internal/util"
	"opencourse_backend/pkg/events"
	"opencourse_backend/pkg/logger"
	"opencourse_backend/pkg/monitoring"
	"opencourse_backend/pkg/tracing"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 编号冲突（唯一索引）时的最大重试次数
const maxIssueAttempts = 3

// IssueRequest 按选课记录颁发，或手工填写学生与课程信息颁发
type IssueRequest struct {
	EnrollmentID   string     `json:"enrollmentId"`
	StudentID      string     `json:"studentId"`
	StudentName    string     `json:"studentName"`
	CourseID       uint       `json:"courseId"`
	CourseName     string     `json:"courseName"`
	Instructor     string     `json:"instructor"`
	CompletionDate *time.Time `json:"completionDate"`
}

type BulkRow struct {
	StudentName    string    `json:"studentName"`
	StudentID      string    `json:"studentId"`
	CompletionDate time.Time `json:"completionDate"`
	Line           int       `json:"line,omitempty"`
}

// BulkIssueRequest 统计区间仅作记录；StrictPeriod 为 true 时区间外的行判为失败
type BulkIssueRequest struct {
	CourseID     uint       `json:"courseId" binding:"required"`
	PeriodStart  *time.Time `json:"periodStart"`
	PeriodEnd    *time.Time `json:"periodEnd"`
	StrictPeriod bool       `json:"strictPeriod"`
	Rows         []BulkRow  `json:"rows"`
	SourceFile   string     `json:"-"`
	CreatedBy    uint       `json:"-"`
}

type BulkRowError struct {
	Row         int    `json:"row"`
	Line        int    `json:"line,omitempty"`
	StudentName string `json:"studentName,omitempty"`
	Reason      string `json:"reason"`
}

type BulkIssueResult struct {
	BatchID      string              `json:"batchId"`
	Total        int                 `json:"total"`
	Created      int                 `json:"created"`
	Failed       int                 `json:"failed"`
	Certificates []model.Certificate `json:"certificates"`
	Errors       []BulkRowError      `json:"errors,omitempty"`
}

type ImportRequest struct {
	CourseID     uint
	PeriodStart  *time.Time
	PeriodEnd    *time.Time
	StrictPeriod bool
	Filename     string
	Data         []byte
	CreatedBy    uint
}

type CertificateService struct {
	DB             *gorm.DB
	CertRepo       *repository.CertificateRepository
	EnrollmentRepo *repository.EnrollmentRepository
	CourseRepo     *repository.CourseRepository
	UserRepo       *repository.UserRepository
	Sequence       repository.SequenceAllocator
	Storage        *StorageService
	Verifier       *VerifierService
	Events         events.Publisher
	Prefix         string
}

func NewCertificateService(
	db *gorm.DB,
	certRepo *repository.CertificateRepository,
	enrollmentRepo *repository.EnrollmentRepository,
	courseRepo *repository.CourseRepository,
	userRepo *repository.UserRepository,
	sequence repository.SequenceAllocator,
	storage *StorageService,
	verifier *VerifierService,
	publisher events.Publisher,
	prefix string,
) *CertificateService {
	return &CertificateService{
		DB:             db,
		CertRepo:       certRepo,
		EnrollmentRepo: enrollmentRepo,
		CourseRepo:     courseRepo,
		UserRepo:       userRepo,
		Sequence:       sequence,
		Storage:        storage,
		Verifier:       verifier,
		Events:         publisher,
		Prefix:         prefix,
	}
}

// FormatCertificateID <prefix>-<year>-<seq>，序号至少三位
func FormatCertificateID(prefix string, year int, seq int64) string {
	return strings.ToUpper(fmt.Sprintf("%s-%d-%03d", prefix, year, seq))
}

// GenerateStudentID 导入数据缺少学号时使用，不做碰撞检查
func GenerateStudentID(year int) string {
	return fmt.Sprintf("STU%d%04d", year, rand.IntN(10000))
}

// Issue 颁发单张证书
func (s *CertificateService) Issue(ctx context.Context, req IssueRequest) (*model.Certificate, error) {
	ctx, span := tracing.Tracer.Start(ctx, "CertificateService.Issue")
	defer span.End()

	var (
		cert *model.Certificate
		err  error
		mode = "manual"
	)
	if req.EnrollmentID != "" {
		mode = "enrollment"
		span.SetAttributes(attribute.String("enrollment.id", req.EnrollmentID))
		cert, err = s.issueForEnrollment(ctx, req)
	} else {
		cert, err = s.issueManual(ctx, req)
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("certificate.id", cert.CertificateID))
	monitoring.CertificatesIssued.WithLabelValues(mode).Inc()
	logger.Log.Info("Certificate issued",
		zap.String("certificateId", cert.CertificateID),
		zap.String("mode", mode),
		zap.String("studentName", cert.StudentName),
	)
	events.Emit(ctx, s.Events, events.CertificateIssued, certificateEvent(cert))
	return cert, nil
}

func (s *CertificateService) issueForEnrollment(ctx context.Context, req IssueRequest) (*model.Certificate, error) {
	// 事务外先校验一次，避免无效请求消耗编号
	e, err := s.EnrollmentRepo.FindByID(req.EnrollmentID)
	if err != nil {
		return nil, notFoundOr(err, util.ErrEnrollmentNotFound)
	}
	if err := checkIssuable(e); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		year := time.Now().Year()
		seq, err := s.Sequence.Reserve(ctx, year, 1)
		if err != nil {
			return nil, fmt.Errorf("reserve certificate number: %w", err)
		}
		certID := FormatCertificateID(s.Prefix, year, seq)

		var cert *model.Certificate
		err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			enrollments := s.EnrollmentRepo.WithTx(tx)
			e, err := enrollments.FindByIDForUpdate(req.EnrollmentID)
			if err != nil {
				return notFoundOr(err, util.ErrEnrollmentNotFound)
			}
			if err := checkIssuable(e); err != nil {
				return err
			}
			// 标记可能与证书表不一致，以证书表为准
			if _, err := s.CertRepo.WithTx(tx).FindActiveByEnrollment(e.ID); err == nil {
				return util.ErrAlreadyIssued
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			course, err := s.CourseRepo.WithTx(tx).FindByID(e.CourseID)
			if err != nil {
				return notFoundOr(err, util.ErrCourseNotFound)
			}
			user, err := s.UserRepo.WithTx(tx).FindByID(e.UserID)
			if err != nil {
				return notFoundOr(err, util.ErrUserNotFound)
			}

			enrollmentID := e.ID
			cert = &model.Certificate{
				CertificateID:  certID,
				EnrollmentID:   &enrollmentID,
				StudentID:      strconv.FormatUint(uint64(user.ID), 10),
				StudentName:    user.Name,
				CourseID:       course.ID,
				CourseName:     course.Title,
				Instructor:     course.Instructor,
				CompletionDate: e.CompletedAt,
				IssuedAt:       time.Now(),
				Status:         model.CertificateActive,
			}
			if err := s.CertRepo.WithTx(tx).Create(cert); err != nil {
				return err
			}
			return enrollments.MarkCertified(e.ID, certID)
		})
		if err == nil {
			return cert, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) || attempt >= maxIssueAttempts {
			return nil, err
		}
		logger.Log.Warn("Certificate number collision, retrying", zap.String("certificateId", certID), zap.Int("attempt", attempt))
	}
}

func checkIssuable(e *model.Enrollment) error {
	if e.CertificateIssued {
		return util.ErrAlreadyIssued
	}
	if e.Status != model.EnrollmentCompleted {
		return util.ErrEnrollmentNotCompleted
	}
	return nil
}

func (s *CertificateService) issueManual(ctx context.Context, req IssueRequest) (*model.Certificate, error) {
	req.StudentName = strings.TrimSpace(req.StudentName)
	if req.CourseID != 0 && req.CourseName == "" {
		course, err := s.CourseRepo.FindByID(req.CourseID)
		if err != nil {
			return nil, notFoundOr(err, util.ErrCourseNotFound)
		}
		req.CourseName = course.Title
		if req.Instructor == "" {
			req.Instructor = course.Instructor
		}
	}
	if req.StudentName == "" || strings.TrimSpace(req.CourseName) == "" {
		return nil, util.ErrInvalidCertificate
	}

	for attempt := 1; ; attempt++ {
		year := time.Now().Year()
		seq, err := s.Sequence.Reserve(ctx, year, 1)
		if err != nil {
			return nil, fmt.Errorf("reserve certificate number: %w", err)
		}

		cert := &model.Certificate{
			CertificateID:  FormatCertificateID(s.Prefix, year, seq),
			StudentID:      req.StudentID,
			StudentName:    req.StudentName,
			CourseID:       req.CourseID,
			CourseName:     strings.TrimSpace(req.CourseName),
			Instructor:     req.Instructor,
			CompletionDate: req.CompletionDate,
			IssuedAt:       time.Now(),
			Status:         model.CertificateActive,
		}
		if cert.StudentID == "" {
			cert.StudentID = GenerateStudentID(year)
		}

		err = s.CertRepo.WithTx(s.DB.WithContext(ctx)).Create(cert)
		if err == nil {
			return cert, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) || attempt >= maxIssueAttempts {
			return nil, err
		}
	}
}

// BulkIssue 批量颁发：一次预留连续编号，第 i 行使用 base+i；
// 各行独立写入，任意行失败时返回 ErrPartialBatchFailure 与完整结果
func (s *CertificateService) BulkIssue(ctx context.Context, req BulkIssueRequest) (*BulkIssueResult, error) {
	if len(req.Rows) == 0 {
		return nil, util.ErrEmptyBatch
	}
	return s.bulkIssue(ctx, req, nil)
}

func (s *CertificateService) bulkIssue(ctx context.Context, req BulkIssueRequest, parseErrors []BulkRowError) (*BulkIssueResult, error) {
	ctx, span := tracing.Tracer.Start(ctx, "CertificateService.BulkIssue")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.rows", len(req.Rows)), attribute.Int64("course.id", int64(req.CourseID)))

	course, err := s.CourseRepo.FindByID(req.CourseID)
	if err != nil {
		err = notFoundOr(err, util.ErrCourseNotFound)
		tracing.RecordError(span, err)
		return nil, err
	}

	batch := &model.CertificateBatch{
		CourseID:    course.ID,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
		SourceFile:  req.SourceFile,
		TotalRows:   len(req.Rows) + len(parseErrors),
		CreatedBy:   req.CreatedBy,
	}
	if err := s.CertRepo.WithTx(s.DB.WithContext(ctx)).CreateBatch(batch); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("create certificate batch: %w", err)
	}

	result := &BulkIssueResult{
		BatchID:      batch.ID,
		Total:        batch.TotalRows,
		Certificates: []model.Certificate{},
		Errors:       append([]BulkRowError(nil), parseErrors...),
	}

	if len(req.Rows) > 0 {
		year := time.Now().Year()
		base, err := s.Sequence.Reserve(ctx, year, len(req.Rows))
		if err != nil {
			tracing.RecordError(span, err)
			return nil, fmt.Errorf("reserve certificate numbers: %w", err)
		}

		certs := s.CertRepo.WithTx(s.DB.WithContext(ctx))
		for i, row := range req.Rows {
			rowErr := BulkRowError{Row: i + 1, Line: row.Line, StudentName: row.StudentName}

			if reason := checkRow(row, req); reason != "" {
				rowErr.Reason = reason
				result.Errors = append(result.Errors, rowErr)
				continue
			}

			completion := row.CompletionDate
			batchID := batch.ID
			cert := model.Certificate{
				CertificateID:  FormatCertificateID(s.Prefix, year, base+int64(i)),
				BatchID:        &batchID,
				StudentID:      strings.TrimSpace(row.StudentID),
				StudentName:    strings.TrimSpace(row.StudentName),
				CourseID:       course.ID,
				CourseName:     course.Title,
				Instructor:     course.Instructor,
				CompletionDate: &completion,
				IssuedAt:       time.Now(),
				Status:         model.CertificateActive,
			}
			if cert.StudentID == "" {
				cert.StudentID = GenerateStudentID(year)
			}

			if err := certs.Create(&cert); err != nil {
				logger.Log.Warn("Bulk certificate row failed",
					zap.String("batchId", batch.ID),
					zap.Int("row", i+1),
					zap.Error(err),
				)
				rowErr.Reason = err.Error()
				result.Errors = append(result.Errors, rowErr)
				continue
			}
			result.Certificates = append(result.Certificates, cert)
		}
	}

	result.Created = len(result.Certificates)
	result.Failed = len(result.Errors)

	if err := s.CertRepo.WithTx(s.DB.WithContext(ctx)).UpdateBatchCounts(batch.ID, result.Created, result.Failed); err != nil {
		logger.Log.Error("Failed to update batch counts", zap.String("batchId", batch.ID), zap.Error(err))
	}

	monitoring.CertificatesIssued.WithLabelValues("bulk").Add(float64(result.Created))
	span.SetAttributes(attribute.Int("batch.created", result.Created), attribute.Int("batch.failed", result.Failed))
	logger.Log.Info("Bulk certificate issuance finished",
		zap.String("batchId", batch.ID),
		zap.Int("created", result.Created),
		zap.Int("failed", result.Failed),
	)
	events.Emit(ctx, s.Events, events.CertificateIssued, map[string]interface{}{
		"batchId":  batch.ID,
		"courseId": course.ID,
		"created":  result.Created,
		"failed":   result.Failed,
	})

	if result.Failed > 0 {
		return result, util.ErrPartialBatchFailure
	}
	return result, nil
}

func checkRow(row BulkRow, req BulkIssueRequest) string {
	if strings.TrimSpace(row.StudentName) == "" {
		return "studentName is required"
	}
	if row.CompletionDate.IsZero() {
		return "completionDate is required"
	}
	if !req.StrictPeriod {
		return ""
	}
	if req.PeriodStart != nil && row.CompletionDate.Before(*req.PeriodStart) {
		return "completionDate is before the batch period"
	}
	if req.PeriodEnd != nil && row.CompletionDate.After(*req.PeriodEnd) {
		return "completionDate is after the batch period"
	}
	return ""
}

// ImportAndIssue 解析上传的表格，归档源文件后批量颁发
func (s *CertificateService) ImportAndIssue(ctx context.Context, req ImportRequest) (*BulkIssueResult, error) {
	parsed, err := certimport.Parse(req.Filename, bytes.NewReader(req.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrInvalidImportFile, err)
	}

	bulk := BulkIssueRequest{
		CourseID:     req.CourseID,
		PeriodStart:  req.PeriodStart,
		PeriodEnd:    req.PeriodEnd,
		StrictPeriod: req.StrictPeriod,
		CreatedBy:    req.CreatedBy,
	}
	for _, r := range parsed.Rows {
		bulk.Rows = append(bulk.Rows, BulkRow{
			StudentName:    r.StudentName,
			StudentID:      r.StudentID,
			CompletionDate: r.CompletionDate,
			Line:           r.Line,
		})
	}
	parseErrors := make([]BulkRowError, 0, len(parsed.Errors))
	for _, e := range parsed.Errors {
		parseErrors = append(parseErrors, BulkRowError{Line: e.Line, Reason: e.Reason})
	}

	var archived string
	if s.Storage != nil {
		if key, url, err := s.Storage.ArchiveImport(ctx, req.Filename, req.Data); err != nil {
			logger.Log.Warn("Failed to archive import file", zap.String("file", req.Filename), zap.Error(err))
		} else {
			archived = key
			bulk.SourceFile = url
		}
	}

	res, err := s.bulkIssue(ctx, bulk, parseErrors)
	// 批次未创建时没有记录引用归档文件
	if res == nil && archived != "" {
		s.Storage.DiscardImport(ctx, archived)
	}
	return res, err
}

// Revoke 只翻转状态，不删除记录；重复吊销为空操作。
// 关联的选课记录在同一事务中清除 certificateIssued，certificateId 保留备查。
func (s *CertificateService) Revoke(ctx context.Context, certificateID, reason string) (*model.Certificate, error) {
	ctx, span := tracing.Tracer.Start(ctx, "CertificateService.Revoke")
	defer span.End()

	id := NormalizeCertificateID(certificateID)
	span.SetAttributes(attribute.String("certificate.id", id))

	var (
		cert    *model.Certificate
		changed bool
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		certs := s.CertRepo.WithTx(tx)
		c, err := certs.FindByCertificateID(id)
		if err != nil {
			return notFoundOr(err, util.ErrCertificateNotFound)
		}
		cert = c
		if !c.IsActive() {
			return nil
		}

		now := time.Now()
		if err := certs.Revoke(id, strings.TrimSpace(reason), now); err != nil {
			return err
		}
		if c.EnrollmentID != nil {
			if err := s.EnrollmentRepo.WithTx(tx).ClearCertified(*c.EnrollmentID); err != nil {
				return err
			}
		}

		c.Status = model.CertificateRevoked
		c.RevokedAt = &now
		c.RevokeReason = strings.TrimSpace(reason)
		changed = true
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if !changed {
		return cert, nil
	}

	if s.Verifier != nil {
		s.Verifier.Invalidate(ctx, id)
	}
	monitoring.CertificatesRevoked.Inc()
	logger.Log.Info("Certificate revoked", zap.String("certificateId", id), zap.String("reason", cert.RevokeReason))
	events.Emit(ctx, s.Events, events.CertificateRevoked, certificateEvent(cert))
	return cert, nil
}

func (s *CertificateService) Get(certificateID string) (*model.Certificate, error) {
	cert, err := s.CertRepo.FindByCertificateID(NormalizeCertificateID(certificateID))
	if err != nil {
		return nil, notFoundOr(err, util.ErrCertificateNotFound)
	}
	return cert, nil
}

func (s *CertificateService) List(filter repository.CertificateFilter, page, limit int) ([]model.Certificate, int64, error) {
	return s.CertRepo.List(filter, page, limit)
}

func (s *CertificateService) GetBatch(batchID string) (*model.CertificateBatch, error) {
	batch, err := s.CertRepo.FindBatch(batchID)
	if err != nil {
		return nil, notFoundOr(err, util.ErrNotFound)
	}
	return batch, nil
}

func certificateEvent(c *model.Certificate) map[string]interface{} {
	return map[string]interface{}{
		"certificateId": c.CertificateID,
		"studentName":   c.StudentName,
		"courseId":      c.CourseID,
		"status":        c.Status,
	}
}
