package service

import (
	"context"
	"errors"
	"opencourse_backend/internal/model"
	"opencourse_backend/internal/quiz"
	"opencourse_backend/internal/testutil"
	"opencourse_backend/internal/util"
	"opencourse_backend/pkg/events"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAnswersPersistsAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, "Mia Oak", model.Student)
	course := testutil.SeedCourse(t, f.db, "Go", 4)
	q := testutil.SeedQuiz(t, f.db, course.ID, 10, 0, 2)

	e, err := f.enrollments.Enroll(ctx, user.ID, course.ID)
	require.NoError(t, err)

	res, err := f.quizzes.SubmitAnswers(ctx, user.ID, q.ID, map[int]int{0: 0, 1: 2}, 42)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, 2, res.CorrectAnswers)
	assert.Equal(t, 2, res.TotalQuestions)
	assert.Equal(t, 42, res.TimeSpent)
	assert.False(t, res.TimedOut)

	attempt, err := f.quizRepo.FindAttempt(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 100, attempt.Score)
	assert.Equal(t, map[int]int{0: 0, 1: 2}, attempt.Answers.Data())
	assert.Equal(t, course.ID, attempt.CourseID)
	assert.Equal(t, 1, f.events.count(events.QuizSubmitted))

	detail, err := f.enrollments.GetDetailForUser(e.ID, user.ID)
	require.NoError(t, err)
	require.Len(t, detail.QuizResults, 1)
	assert.Equal(t, attempt.ID, detail.QuizResults[0].AttemptID)
	assert.Equal(t, 100, detail.QuizResults[0].Score)
	assert.True(t, detail.HasPassedQuiz(q.ID))
}

func TestSubmitAnswersRetakeCreatesNewAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, "Ned Pry", model.Student)
	course := testutil.SeedCourse(t, f.db, "Go", 1)
	q := testutil.SeedQuiz(t, f.db, course.ID, 10, 1)

	first, err := f.quizzes.SubmitAnswers(ctx, user.ID, q.ID, map[int]int{0: 0}, 5)
	require.NoError(t, err)
	second, err := f.quizzes.SubmitAnswers(ctx, user.ID, q.ID, map[int]int{0: 1}, 5)
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	attempts, err := f.quizzes.ListAttempts(user.ID, q.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)

	// 作答记录只允许插入
	err = f.db.Model(&model.QuizAttempt{}).Where("id = ?", first.SessionID).Update("score", 100).Error
	assert.ErrorIs(t, err, model.ErrImmutableRecord)
	stored, err := f.quizRepo.FindAttempt(first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Score)
}

func TestSubmitAnswersErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, "Oli Quo", model.Student)
	course := testutil.SeedCourse(t, f.db, "Go", 1)
	q := testutil.SeedQuiz(t, f.db, course.ID, 10, 0, 1)

	_, err := f.quizzes.SubmitAnswers(ctx, user.ID, 9999, nil, 0)
	assert.ErrorIs(t, err, util.ErrQuizNotFound)

	_, err = f.quizzes.SubmitAnswers(ctx, user.ID, q.ID, map[int]int{0: 7}, 0)
	assert.ErrorIs(t, err, util.ErrInvalidAnswerIndex)
	_, err = f.quizzes.SubmitAnswers(ctx, user.ID, q.ID, map[int]int{5: 0}, 0)
	assert.ErrorIs(t, err, util.ErrInvalidAnswerIndex)

	attempts, err := f.quizzes.ListAttempts(user.ID, q.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestSubmitAnswersEmptyQuiz(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db, "Pat Rue", model.Student)
	course := testutil.SeedCourse(t, f.db, "Go", 1)
	q := testutil.SeedQuiz(t, f.db, course.ID, 10)

	res, err := f.quizzes.SubmitAnswers(context.Background(), user.ID, q.ID, nil, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Score)
	assert.True(t, res.DataError)
}

func TestSubmitAnswersPersistFailureStillReturnsResult(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db, "Quin Sol", model.Student)
	course := testutil.SeedCourse(t, f.db, "Go", 1)
	q := testutil.SeedQuiz(t, f.db, course.ID, 10, 3)

	require.NoError(t, f.db.Migrator().DropTable(&model.QuizAttempt{}))

	res, err := f.quizzes.SubmitAnswers(context.Background(), user.ID, q.ID, map[int]int{0: 3}, 12)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, 0, f.events.count(events.QuizSubmitted))
}

func TestQuizSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, "Ray Tam", model.Student)
	stranger := testutil.SeedUser(t, f.db, "Sue Uhl", model.Student)
	course := testutil.SeedCourse(t, f.db, "Go", 1)
	q := testutil.SeedQuiz(t, f.db, course.ID, 2, 0, 2)

	view, err := f.quizzes.StartSession(ctx, user.ID, q.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", view.Session.State)
	assert.Equal(t, 120, view.Session.Remaining)
	assert.Len(t, view.Quiz.Questions, 2)
	sid := view.Session.SessionID

	_, err = f.quizzes.GetSession(sid, stranger.ID)
	assert.ErrorIs(t, err, util.ErrSessionNotFound)

	_, err = f.quizzes.Answer(sid, user.ID, 0, 9)
	assert.ErrorIs(t, err, util.ErrInvalidAnswerIndex)

	_, err = f.quizzes.Answer(sid, user.ID, 0, 1)
	require.NoError(t, err)
	snap, err := f.quizzes.Answer(sid, user.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{0: 0}, snap.Answers)
	_, err = f.quizzes.Answer(sid, user.ID, 1, 2)
	require.NoError(t, err)

	res, err := f.quizzes.SubmitSession(ctx, sid, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, 2, res.CorrectAnswers)

	again, err := f.quizzes.SubmitSession(ctx, sid, user.ID)
	require.NoError(t, err)
	assert.Equal(t, res.CompletedAt, again.CompletedAt)

	_, err = f.quizzes.Answer(sid, user.ID, 0, 1)
	assert.ErrorIs(t, err, util.ErrQuizAlreadySubmitted)

	snap, err = f.quizzes.GetSession(sid, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "submitted", snap.State)
	require.NotNil(t, snap.Result)

	attempts, err := f.quizzes.ListAttempts(user.ID, q.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestQuizSessionRestartAbandonsPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, "Tom Vex", model.Student)
	course := testutil.SeedCourse(t, f.db, "Go", 1)
	q := testutil.SeedQuiz(t, f.db, course.ID, 5, 0)

	first, err := f.quizzes.StartSession(ctx, user.ID, q.ID)
	require.NoError(t, err)
	second, err := f.quizzes.StartSession(ctx, user.ID, q.ID)
	require.NoError(t, err)

	_, err = f.quizzes.GetSession(first.Session.SessionID, user.ID)
	assert.ErrorIs(t, err, util.ErrSessionNotFound)
	_, err = f.quizzes.GetSession(second.Session.SessionID, user.ID)
	assert.NoError(t, err)

	attempts, err := f.quizzes.ListAttempts(user.ID, q.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestQuizSessionTimeoutAutoSubmits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, "Uma Wu", model.Student)
	course := testutil.SeedCourse(t, f.db, "Go", 1)
	q := testutil.SeedQuiz(t, f.db, course.ID, 1, 0, 1)

	view, err := f.quizzes.StartSession(ctx, user.ID, q.ID)
	require.NoError(t, err)
	sid := view.Session.SessionID
	_, err = f.quizzes.Answer(sid, user.ID, 0, 0)
	require.NoError(t, err)

	h, err := f.quizzes.lookup(sid, user.ID)
	require.NoError(t, err)
	// 手动推进倒计时，不等待真实时间
	for i := 0; i < 120 && h.State() != quiz.StateSubmitted; i++ {
		h.Tick()
	}
	res, ok := h.Result()
	require.True(t, ok)
	assert.True(t, res.TimedOut)
	assert.Equal(t, 50, res.Score)
	assert.Equal(t, 60, res.TimeSpent)

	require.Eventually(t, func() bool {
		attempts, err := f.quizzes.ListAttempts(user.ID, q.ID)
		return err == nil && len(attempts) == 1 && attempts[0].TimedOut
	}, 2*time.Second, 20*time.Millisecond)
}

func TestUntimedSessionExpiresWithoutSubmitting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := testutil.SeedUser(t, f.db, "Una Ode", model.Student)
	course := testutil.SeedCourse(t, f.db, "Go", 1)
	untimed := testutil.SeedQuiz(t, f.db, course.ID, 0, 0)
	timed := testutil.SeedQuiz(t, f.db, course.ID, 5, 0)
	f.quizzes.MaxUntimed = 50 * time.Millisecond

	view, err := f.quizzes.StartSession(ctx, user.ID, untimed.ID)
	require.NoError(t, err)
	sid := view.Session.SessionID
	_, err = f.quizzes.Answer(sid, user.ID, 0, 0)
	require.NoError(t, err)

	// 限时测验不受该期限影响
	timedView, err := f.quizzes.StartSession(ctx, user.ID, timed.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := f.quizzes.GetSession(sid, user.ID)
		return errors.Is(err, util.ErrSessionNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	_, err = f.quizzes.SubmitSession(ctx, sid, user.ID)
	assert.ErrorIs(t, err, util.ErrSessionNotFound)

	f.quizzes.mu.Lock()
	_, stillActive := f.quizzes.active[sessionKey{userID: user.ID, quizID: untimed.ID}]
	f.quizzes.mu.Unlock()
	assert.False(t, stillActive)

	attempts, err := f.quizzes.ListAttempts(user.ID, untimed.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)

	_, err = f.quizzes.GetSession(timedView.Session.SessionID, user.ID)
	assert.NoError(t, err)
}

func TestConcurrentSubmissionsBothPersist(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db, "Vic Xu", model.Student)
	course := testutil.SeedCourse(t, f.db, "Go", 1)
	q := testutil.SeedQuiz(t, f.db, course.ID, 5, 0)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := f.quizzes.SubmitAnswers(context.Background(), user.ID, q.ID, map[int]int{0: 0}, 1)
			errs <- err
		}()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	attempts, err := f.quizzes.ListAttempts(user.ID, q.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}
