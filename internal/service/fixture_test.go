package service

import (
	"context"
	"opencourse_backend/internal/config"
	"opencourse_backend/internal/model"
	"opencourse_backend/internal/repository"
	"opencourse_backend/internal/testutil"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.types {
		if t == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	db          *gorm.DB
	enrollRepo  *repository.EnrollmentRepository
	certRepo    *repository.CertificateRepository
	quizRepo    *repository.QuizRepository
	enrollments *EnrollmentService
	certs       *CertificateService
	verifier    *VerifierService
	quizzes     *QuizService
	events      *recordingPublisher
}

func defaultPolicy() ProgressPolicy {
	return ProgressPolicy{QuizPassScore: 60, AutoComplete: true}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t)
	pub := &recordingPublisher{}

	userRepo := repository.NewUserRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	quizRepo := repository.NewQuizRepository(db)
	enrollRepo := repository.NewEnrollmentRepository(db)
	certRepo := repository.NewCertificateRepository(db)

	storage := &StorageService{Provider: &LocalStorageProvider{Config: &config.StorageConfig{LocalPath: t.TempDir()}}}
	verifier := NewVerifierService(certRepo, nil, 0)
	enrollments := NewEnrollmentService(db, enrollRepo, courseRepo, pub, defaultPolicy())
	certs := NewCertificateService(db, certRepo, enrollRepo, courseRepo, userRepo,
		repository.NewDBSequence(db), storage, verifier, pub, "OC")
	quizzes := NewQuizService(quizRepo, enrollRepo, enrollments, pub)
	t.Cleanup(quizzes.Shutdown)

	return &fixture{
		db:          db,
		enrollRepo:  enrollRepo,
		certRepo:    certRepo,
		quizRepo:    quizRepo,
		enrollments: enrollments,
		certs:       certs,
		verifier:    verifier,
		quizzes:     quizzes,
		events:      pub,
	}
}

// completedEnrollment 创建一个已完成全部课时的选课记录
func (f *fixture) completedEnrollment(t *testing.T, studentName string) (*model.User, *model.Course, *model.Enrollment) {
	t.Helper()
	ctx := context.Background()

	user := testutil.SeedUser(t, f.db, studentName, model.Student)
	course := testutil.SeedCourse(t, f.db, "Go Basics", 2)
	e, err := f.enrollments.Enroll(ctx, user.ID, course.ID)
	require.NoError(t, err)
	for _, l := range course.Lessons {
		e, err = f.enrollments.RecordLessonComplete(ctx, e.ID, l.ID)
		require.NoError(t, err)
	}
	require.Equal(t, model.EnrollmentCompleted, e.Status)
	return user, course, e
}
