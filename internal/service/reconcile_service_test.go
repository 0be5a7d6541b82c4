package service

import (
	"context"
	"opencourse_backend/internal/model"
	"opencourse_backend/internal/testutil"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileClearsStaleFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, e := f.completedEnrollment(t, "Kai Lund")

	cert, err := f.certs.Issue(ctx, IssueRequest{EnrollmentID: e.ID})
	require.NoError(t, err)

	// 绕过服务直接吊销，模拟中途失败留下的不一致
	require.NoError(t, f.db.Model(&model.Certificate{}).
		Where("certificate_id = ?", cert.CertificateID).
		UpdateColumn("status", model.CertificateRevoked).Error)

	r := NewReconcileService(f.enrollRepo, f.certRepo, f.enrollments)
	report, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleFlagsCleared)
	assert.Equal(t, 0, report.MissingFlagsSet)

	stored, err := f.enrollments.GetEnrollment(e.ID)
	require.NoError(t, err)
	assert.False(t, stored.CertificateIssued)

	report, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{}, report)
}

func TestReconcileRestoresMissingFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, e := f.completedEnrollment(t, "Lea Moss")

	cert, err := f.certs.Issue(ctx, IssueRequest{EnrollmentID: e.ID})
	require.NoError(t, err)
	require.NoError(t, f.enrollRepo.ClearCertified(e.ID))

	report, err := NewReconcileService(f.enrollRepo, f.certRepo, f.enrollments).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MissingFlagsSet)

	stored, err := f.enrollments.GetEnrollment(e.ID)
	require.NoError(t, err)
	assert.True(t, stored.CertificateIssued)
	require.NotNil(t, stored.CertificateID)
	assert.Equal(t, cert.CertificateID, *stored.CertificateID)
}

func TestReconcileClosesFinishedEnrollments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	policy := defaultPolicy()
	policy.AutoComplete = false
	f.enrollments.SetPolicy(policy)

	user := testutil.SeedUser(t, f.db, "Max Nye", model.Student)
	course := testutil.SeedCourse(t, f.db, "Ops", 1)
	e, err := f.enrollments.Enroll(ctx, user.ID, course.ID)
	require.NoError(t, err)
	e, err = f.enrollments.RecordLessonComplete(ctx, e.ID, course.Lessons[0].ID)
	require.NoError(t, err)
	require.Equal(t, 100, e.Progress)
	require.Equal(t, model.EnrollmentActive, e.Status)

	r := NewReconcileService(f.enrollRepo, f.certRepo, f.enrollments)
	report, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.EnrollmentsClosed)

	f.enrollments.SetPolicy(defaultPolicy())
	report, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.EnrollmentsClosed)

	stored, err := f.enrollments.GetEnrollment(e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
}

func TestReconcileClosesFinishedAcrossPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	policy := defaultPolicy()
	policy.AutoComplete = false
	f.enrollments.SetPolicy(policy)

	course := testutil.SeedCourse(t, f.db, "Ops", 1)
	var ids []string
	for _, name := range []string{"Ida Ash", "Jon Bell", "Kim Cho", "Lou Dunn", "Mo Eve"} {
		user := testutil.SeedUser(t, f.db, name, model.Student)
		e, err := f.enrollments.Enroll(ctx, user.ID, course.ID)
		require.NoError(t, err)
		_, err = f.enrollments.RecordLessonComplete(ctx, e.ID, course.Lessons[0].ID)
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	f.enrollments.SetPolicy(defaultPolicy())
	r := NewReconcileService(f.enrollRepo, f.certRepo, f.enrollments)
	r.PageSize = 2
	report, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(ids), report.EnrollmentsClosed)

	for _, id := range ids {
		stored, err := f.enrollments.GetEnrollment(id)
		require.NoError(t, err)
		assert.Equal(t, model.EnrollmentCompleted, stored.Status, id)
	}
}

func TestReconcileSchedule(t *testing.T) {
	f := newFixture(t)
	r := NewReconcileService(f.enrollRepo, f.certRepo, f.enrollments)

	_, err := r.Schedule("not a cron spec")
	assert.Error(t, err)

	c, err := r.Schedule("@every 1h")
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)
	<-c.Stop().Done()
}
