package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"opencourse_backend/internal/config"
	"opencourse_backend/internal/model"
	"opencourse_backend/internal/repository"
	"opencourse_backend/internal/util"
	"opencourse_backend/pkg/events"
	"opencourse_backend/pkg/logger"
	"opencourse_backend/pkg/monitoring"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProgressPolicy 进度计算策略，可随配置热更新
type ProgressPolicy struct {
	QuizzesCountTowardProgress bool
	QuizPassScore              int
	AutoComplete               bool
}

func PolicyFromConfig(cfg config.ProgressConfig) ProgressPolicy {
	return ProgressPolicy{
		QuizzesCountTowardProgress: cfg.QuizzesCountTowardProgress,
		QuizPassScore:              cfg.QuizPassScore,
		AutoComplete:               cfg.AutoComplete,
	}
}

type EnrollmentService struct {
	DB             *gorm.DB
	EnrollmentRepo *repository.EnrollmentRepository
	CourseRepo     *repository.CourseRepository
	Events         events.Publisher

	policy atomic.Pointer[ProgressPolicy]
}

func NewEnrollmentService(
	db *gorm.DB,
	enrollmentRepo *repository.EnrollmentRepository,
	courseRepo *repository.CourseRepository,
	publisher events.Publisher,
	policy ProgressPolicy,
) *EnrollmentService {
	s := &EnrollmentService{
		DB:             db,
		EnrollmentRepo: enrollmentRepo,
		CourseRepo:     courseRepo,
		Events:         publisher,
	}
	s.SetPolicy(policy)
	return s
}

func (s *EnrollmentService) SetPolicy(p ProgressPolicy) {
	s.policy.Store(&p)
}

func (s *EnrollmentService) Policy() ProgressPolicy {
	return *s.policy.Load()
}

func (s *EnrollmentService) Enroll(ctx context.Context, userID, courseID uint) (*model.Enrollment, error) {
	var enrollment *model.Enrollment
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		course, err := s.CourseRepo.WithTx(tx).FindByID(courseID)
		if err != nil {
			return notFoundOr(err, util.ErrCourseNotFound)
		}
		if course.Status != model.CourseActive {
			return util.ErrCourseNotActive
		}

		repo := s.EnrollmentRepo.WithTx(tx)
		if _, err := repo.FindOpenByUserAndCourse(userID, courseID); err == nil {
			return util.ErrAlreadyEnrolled
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		enrollment = &model.Enrollment{
			UserID:           userID,
			CourseID:         courseID,
			Status:           model.EnrollmentActive,
			CompletedLessons: []uint{},
			PassedQuizzes:    []uint{},
		}
		return repo.Create(enrollment)
	})
	if err != nil {
		return nil, err
	}

	events.Emit(ctx, s.Events, events.EnrollmentCreated, enrollmentEvent(enrollment))
	return enrollment, nil
}

func (s *EnrollmentService) GetEnrollment(id string) (*model.Enrollment, error) {
	e, err := s.EnrollmentRepo.FindByID(id)
	if err != nil {
		return nil, notFoundOr(err, util.ErrEnrollmentNotFound)
	}
	return e, nil
}

// GetForUser 学生只能查看自己的选课记录
func (s *EnrollmentService) GetForUser(id string, userID uint) (*model.Enrollment, error) {
	e, err := s.GetEnrollment(id)
	if err != nil {
		return nil, err
	}
	if e.UserID != userID {
		return nil, util.ErrPermissionDenied
	}
	return e, nil
}

// EnrollmentDetail 选课记录及其关联的测验成绩
type EnrollmentDetail struct {
	*model.Enrollment
	QuizResults []model.EnrollmentQuizResult `json:"quizResults"`
}

func (s *EnrollmentService) GetDetailForUser(id string, userID uint) (*EnrollmentDetail, error) {
	e, err := s.GetForUser(id, userID)
	if err != nil {
		return nil, err
	}
	results, err := s.EnrollmentRepo.ListQuizResults(e.ID)
	if err != nil {
		return nil, err
	}
	return &EnrollmentDetail{Enrollment: e, QuizResults: results}, nil
}

func (s *EnrollmentService) ListForUser(userID uint) ([]model.Enrollment, error) {
	return s.EnrollmentRepo.ListByUser(userID)
}

// RecordLessonComplete 课时完成（集合语义，重复调用无副作用）。
// 已退课拒绝，已结课直接返回。
func (s *EnrollmentService) RecordLessonComplete(ctx context.Context, enrollmentID string, lessonID uint) (*model.Enrollment, error) {
	policy := s.Policy()
	var (
		enrollment *model.Enrollment
		from       model.EnrollmentStatus
	)

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.EnrollmentRepo.WithTx(tx)
		e, err := repo.FindByIDForUpdate(enrollmentID)
		if err != nil {
			return notFoundOr(err, util.ErrEnrollmentNotFound)
		}
		enrollment, from = e, e.Status

		if e.Status == model.EnrollmentDropped {
			return util.ErrEnrollmentClosed
		}

		course, err := s.CourseRepo.WithTx(tx).FindWithLessons(e.CourseID)
		if err != nil {
			return notFoundOr(err, util.ErrCourseNotFound)
		}
		if !course.HasLesson(lessonID) {
			return util.ErrLessonNotFound
		}
		if e.Status == model.EnrollmentCompleted || e.HasLesson(lessonID) {
			return nil
		}

		e.CompletedLessons = append(e.CompletedLessons, lessonID)
		if err := s.applyProgress(tx, e, course, policy); err != nil {
			return err
		}
		return repo.Save(e)
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, enrollment, from)
	return enrollment, nil
}

// RecordQuizResult 关联作答记录；及格的测验记入 passedQuizzes，
// 是否计入进度由 QuizzesCountTowardProgress 决定
func (s *EnrollmentService) RecordQuizResult(ctx context.Context, enrollmentID string, attempt *model.QuizAttempt) (*model.Enrollment, error) {
	policy := s.Policy()
	var (
		enrollment *model.Enrollment
		from       model.EnrollmentStatus
	)

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.EnrollmentRepo.WithTx(tx)
		e, err := repo.FindByIDForUpdate(enrollmentID)
		if err != nil {
			return notFoundOr(err, util.ErrEnrollmentNotFound)
		}
		enrollment, from = e, e.Status

		if attempt.CourseID != 0 && attempt.CourseID != e.CourseID {
			return fmt.Errorf("attempt %s belongs to course %d, enrollment to %d: %w",
				attempt.ID, attempt.CourseID, e.CourseID, util.ErrQuizNotFound)
		}

		if err := repo.CreateQuizResult(&model.EnrollmentQuizResult{
			EnrollmentID: e.ID,
			AttemptID:    attempt.ID,
			QuizID:       attempt.QuizID,
			Score:        attempt.Score,
		}); err != nil {
			return err
		}

		if e.Status != model.EnrollmentActive {
			return nil
		}
		if attempt.DataError || attempt.Score < policy.QuizPassScore || e.HasPassedQuiz(attempt.QuizID) {
			return nil
		}

		e.PassedQuizzes = append(e.PassedQuizzes, attempt.QuizID)
		course, err := s.CourseRepo.WithTx(tx).FindWithLessons(e.CourseID)
		if err != nil {
			return notFoundOr(err, util.ErrCourseNotFound)
		}
		if err := s.applyProgress(tx, e, course, policy); err != nil {
			return err
		}
		return repo.Save(e)
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, enrollment, from)
	return enrollment, nil
}

// MarkCompleted active -> completed；已结课时直接返回
func (s *EnrollmentService) MarkCompleted(ctx context.Context, enrollmentID string) (*model.Enrollment, error) {
	return s.changeStatus(ctx, enrollmentID, model.EnrollmentCompleted, false)
}

func (s *EnrollmentService) Drop(ctx context.Context, enrollmentID string) (*model.Enrollment, error) {
	return s.changeStatus(ctx, enrollmentID, model.EnrollmentDropped, false)
}

// DropForUser 学生只能退自己的课
func (s *EnrollmentService) DropForUser(ctx context.Context, enrollmentID string, userID uint) (*model.Enrollment, error) {
	if _, err := s.GetForUser(enrollmentID, userID); err != nil {
		return nil, err
	}
	return s.Drop(ctx, enrollmentID)
}

// Reopen 管理员强制恢复为 active；已颁发有效证书时拒绝
func (s *EnrollmentService) Reopen(ctx context.Context, enrollmentID string) (*model.Enrollment, error) {
	return s.changeStatus(ctx, enrollmentID, model.EnrollmentActive, true)
}

func (s *EnrollmentService) changeStatus(ctx context.Context, enrollmentID string, to model.EnrollmentStatus, override bool) (*model.Enrollment, error) {
	var (
		enrollment *model.Enrollment
		from       model.EnrollmentStatus
	)

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.EnrollmentRepo.WithTx(tx)
		e, err := repo.FindByIDForUpdate(enrollmentID)
		if err != nil {
			return notFoundOr(err, util.ErrEnrollmentNotFound)
		}
		enrollment, from = e, e.Status

		if e.Status == to {
			return nil
		}
		if to == model.EnrollmentActive {
			if e.CertificateIssued {
				return fmt.Errorf("reopen enrollment %s: %w", e.ID, util.ErrAlreadyIssued)
			}
			// 恢复后仍需满足“同一课程至多一条未退课记录”
			if other, err := repo.FindOpenByUserAndCourse(e.UserID, e.CourseID); err == nil && other.ID != e.ID {
				return util.ErrAlreadyEnrolled
			} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		if err := transition(e, to, override); err != nil {
			return err
		}
		return repo.Save(e)
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, enrollment, from)
	return enrollment, nil
}

// applyProgress 重新计算进度：取 max(旧值, 新值) 并封顶 100；满 100 时按策略自动结课
func (s *EnrollmentService) applyProgress(tx *gorm.DB, e *model.Enrollment, course *model.Course, policy ProgressPolicy) error {
	var quizIDs []uint
	if policy.QuizzesCountTowardProgress {
		ids, err := s.CourseRepo.WithTx(tx).ListQuizIDs(course.ID)
		if err != nil {
			return err
		}
		quizIDs = ids
	}

	progress := ComputeProgress(e, course.LessonIDs(), quizIDs)
	if progress > e.Progress {
		e.Progress = progress
	}
	if e.Progress > 100 {
		e.Progress = 100
	}

	if e.Progress == 100 && policy.AutoComplete && e.Status == model.EnrollmentActive {
		return transition(e, model.EnrollmentCompleted, false)
	}
	return nil
}

// ComputeProgress round(100 * 已完成单元 / 总单元)；quizIDs 为空表示测验不计入进度
func ComputeProgress(e *model.Enrollment, lessonIDs, quizIDs []uint) int {
	total := len(lessonIDs) + len(quizIDs)
	if total == 0 {
		return 0
	}

	done := 0
	for _, id := range lessonIDs {
		if e.HasLesson(id) {
			done++
		}
	}
	for _, id := range quizIDs {
		if e.HasPassedQuiz(id) {
			done++
		}
	}
	return int(math.Round(float64(done) * 100 / float64(total)))
}

func transition(e *model.Enrollment, to model.EnrollmentStatus, override bool) error {
	if !model.CanTransition(e.Status, to, override) {
		return fmt.Errorf("%s -> %s: %w", e.Status, to, util.ErrInvalidTransition)
	}

	now := time.Now()
	switch to {
	case model.EnrollmentCompleted:
		e.CompletedAt = &now
	case model.EnrollmentDropped:
		e.DroppedAt = &now
	case model.EnrollmentActive:
		e.CompletedAt = nil
		e.DroppedAt = nil
	}
	e.Status = to
	return nil
}

func (s *EnrollmentService) afterTransition(ctx context.Context, e *model.Enrollment, from model.EnrollmentStatus) {
	if e == nil || e.Status == from {
		return
	}

	monitoring.EnrollmentTransitions.WithLabelValues(string(from), string(e.Status)).Inc()
	logger.Log.Info("Enrollment status changed",
		zap.String("enrollmentId", e.ID),
		zap.String("from", string(from)),
		zap.String("to", string(e.Status)),
	)

	eventType := events.EnrollmentReopened
	switch e.Status {
	case model.EnrollmentCompleted:
		eventType = events.EnrollmentCompleted
	case model.EnrollmentDropped:
		eventType = events.EnrollmentDropped
	}
	events.Emit(ctx, s.Events, eventType, enrollmentEvent(e))
}

func enrollmentEvent(e *model.Enrollment) map[string]interface{} {
	return map[string]interface{}{
		"enrollmentId": e.ID,
		"userId":       e.UserID,
		"courseId":     e.CourseID,
		"status":       e.Status,
		"progress":     e.Progress,
	}
}

func notFoundOr(err, notFound error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound
	}
	return err
}
