package service

import (
	"context"
	"errors"
	"opencourse_backend/internal/repository"
	"opencourse_backend/pkg/logger"
	"opencourse_backend/pkg/monitoring"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const reconcilePageSize = 200

// ReconcileReport 一次对账的修复统计
type ReconcileReport struct {
	StaleFlagsCleared int `json:"staleFlagsCleared"`
	MissingFlagsSet   int `json:"missingFlagsSet"`
	EnrollmentsClosed int `json:"enrollmentsClosed"`
}

// ReconcileService 定期修复选课记录与证书之间的不一致：
// 标记已颁证但证书不存在或已吊销、证书有效但选课未标记、进度已满仍为 active
type ReconcileService struct {
	EnrollmentRepo *repository.EnrollmentRepository
	CertRepo       *repository.CertificateRepository
	Enrollments    *EnrollmentService
	PageSize       int
}

func NewReconcileService(
	enrollmentRepo *repository.EnrollmentRepository,
	certRepo *repository.CertificateRepository,
	enrollments *EnrollmentService,
) *ReconcileService {
	return &ReconcileService{
		EnrollmentRepo: enrollmentRepo,
		CertRepo:       certRepo,
		Enrollments:    enrollments,
		PageSize:       reconcilePageSize,
	}
}

func (s *ReconcileService) pageSize() int {
	if s.PageSize <= 0 {
		return reconcilePageSize
	}
	return s.PageSize
}

func (s *ReconcileService) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	n, err := s.clearStaleFlags(ctx)
	report.StaleFlagsCleared = n
	if err != nil {
		return report, err
	}

	n, err = s.setMissingFlags(ctx)
	report.MissingFlagsSet = n
	if err != nil {
		return report, err
	}

	n, err = s.closeFinished(ctx)
	report.EnrollmentsClosed = n
	if err != nil {
		return report, err
	}

	monitoring.ReconcileRepairs.Add(float64(report.StaleFlagsCleared + report.MissingFlagsSet + report.EnrollmentsClosed))
	return report, nil
}

func (s *ReconcileService) clearStaleFlags(ctx context.Context) (int, error) {
	fixed, after := 0, ""
	for {
		if err := ctx.Err(); err != nil {
			return fixed, err
		}
		list, err := s.EnrollmentRepo.FindCertified(after, s.pageSize())
		if err != nil {
			return fixed, err
		}
		for _, e := range list {
			after = e.ID
			if e.CertificateID != nil {
				cert, err := s.CertRepo.FindByCertificateID(*e.CertificateID)
				if err == nil && cert.IsActive() {
					continue
				}
				if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
					return fixed, err
				}
			}
			if err := s.EnrollmentRepo.ClearCertified(e.ID); err != nil {
				return fixed, err
			}
			fixed++
			logger.Log.Warn("Cleared stale certificate flag", zap.String("enrollmentId", e.ID))
		}
		if len(list) < s.pageSize() {
			return fixed, nil
		}
	}
}

func (s *ReconcileService) setMissingFlags(ctx context.Context) (int, error) {
	fixed := 0
	var after uint
	for {
		if err := ctx.Err(); err != nil {
			return fixed, err
		}
		list, err := s.CertRepo.FindActiveLinked(after, s.pageSize())
		if err != nil {
			return fixed, err
		}
		for _, c := range list {
			after = c.ID
			e, err := s.EnrollmentRepo.FindByID(*c.EnrollmentID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					continue
				}
				return fixed, err
			}
			if e.CertificateIssued {
				continue
			}
			if err := s.EnrollmentRepo.MarkCertified(e.ID, c.CertificateID); err != nil {
				return fixed, err
			}
			fixed++
			logger.Log.Warn("Restored certificate flag",
				zap.String("enrollmentId", e.ID),
				zap.String("certificateId", c.CertificateID),
			)
		}
		if len(list) < s.pageSize() {
			return fixed, nil
		}
	}
}

// closeFinished 自动结课开启前遗留的满进度记录；失败的记录跳过，游标继续前进
func (s *ReconcileService) closeFinished(ctx context.Context) (int, error) {
	if !s.Enrollments.Policy().AutoComplete {
		return 0, nil
	}

	fixed, after := 0, ""
	for {
		if err := ctx.Err(); err != nil {
			return fixed, err
		}
		list, err := s.EnrollmentRepo.FindCompletableActive(after, s.pageSize())
		if err != nil {
			return fixed, err
		}
		for _, e := range list {
			after = e.ID
			if _, err := s.Enrollments.MarkCompleted(ctx, e.ID); err != nil {
				logger.Log.Warn("Failed to close finished enrollment", zap.String("enrollmentId", e.ID), zap.Error(err))
				continue
			}
			fixed++
		}
		if len(list) < s.pageSize() {
			return fixed, nil
		}
	}
}

// Schedule 按 cron 表达式注册对账任务并启动调度器
func (s *ReconcileService) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		report, err := s.Run(context.Background())
		if err != nil {
			logger.Log.Error("Reconciliation failed", zap.Error(err))
			return
		}
		logger.Log.Info("Reconciliation finished",
			zap.Int("staleFlagsCleared", report.StaleFlagsCleared),
			zap.Int("missingFlagsSet", report.MissingFlagsSet),
			zap.Int("enrollmentsClosed", report.EnrollmentsClosed),
		)
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
