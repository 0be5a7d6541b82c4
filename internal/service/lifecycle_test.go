package service

import (
	"context"
	"opencourse_backend/internal/model"
	"opencourse_backend/internal/testutil"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 选课 -> 学习 -> 测验 -> 结课 -> 颁证 -> 验证 -> 吊销 的完整流程
func TestEnrollmentToCertificateLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	student := testutil.SeedUser(t, f.db, "Olga Park", model.Student)
	course := testutil.SeedCourse(t, f.db, "Course C", 4)
	q := testutil.SeedQuiz(t, f.db, course.ID, 15, 0, 2)

	e, err := f.enrollments.Enroll(ctx, student.ID, course.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Progress)

	for _, l := range course.Lessons[:3] {
		e, err = f.enrollments.RecordLessonComplete(ctx, e.ID, l.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 75, e.Progress)
	assert.Equal(t, model.EnrollmentActive, e.Status)

	res, err := f.quizzes.SubmitAnswers(ctx, student.ID, q.ID, map[int]int{0: 0, 1: 2}, 120)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, 2, res.CorrectAnswers)

	e, err = f.enrollments.RecordLessonComplete(ctx, e.ID, course.Lessons[3].ID)
	require.NoError(t, err)
	assert.Equal(t, 100, e.Progress)
	assert.Equal(t, model.EnrollmentCompleted, e.Status)

	cert, err := f.certs.Issue(ctx, IssueRequest{EnrollmentID: e.ID})
	require.NoError(t, err)

	v := f.verifier.Verify(ctx, cert.CertificateID)
	require.True(t, v.Valid)
	assert.Equal(t, "Olga Park", v.Certificate.StudentName)
	assert.Equal(t, "Course C", v.Certificate.CourseName)

	_, err = f.certs.Revoke(ctx, cert.CertificateID, "academic misconduct")
	require.NoError(t, err)

	v = f.verifier.Verify(ctx, cert.CertificateID)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonRevoked, v.Reason)
}

// 测验计入进度时，课时与测验共同决定完成度
func TestLifecycleWithQuizzesCounting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	policy := defaultPolicy()
	policy.QuizzesCountTowardProgress = true
	f.enrollments.SetPolicy(policy)

	student := testutil.SeedUser(t, f.db, "Pia Quinn", model.Student)
	course := testutil.SeedCourse(t, f.db, "Course D", 3)
	q := testutil.SeedQuiz(t, f.db, course.ID, 0, 1)

	e, err := f.enrollments.Enroll(ctx, student.ID, course.ID)
	require.NoError(t, err)
	for _, l := range course.Lessons {
		e, err = f.enrollments.RecordLessonComplete(ctx, e.ID, l.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 75, e.Progress)
	assert.Equal(t, model.EnrollmentActive, e.Status)

	// 不及格不计入
	_, err = f.quizzes.SubmitAnswers(ctx, student.ID, q.ID, map[int]int{0: 0}, 10)
	require.NoError(t, err)
	e, err = f.enrollments.GetEnrollment(e.ID)
	require.NoError(t, err)
	assert.Equal(t, 75, e.Progress)

	_, err = f.quizzes.SubmitAnswers(ctx, student.ID, q.ID, map[int]int{0: 1}, 10)
	require.NoError(t, err)
	e, err = f.enrollments.GetEnrollment(e.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, e.Progress)
	assert.Equal(t, model.EnrollmentCompleted, e.Status)

	_, err = f.certs.Issue(ctx, IssueRequest{EnrollmentID: e.ID})
	require.NoError(t, err)
}
