package service

import (
	"context"
	"errors"
	"opencourse_backend/internal/model"
	"opencourse_backend/internal/quiz"
	"opencourse_backend/internal/repository"
	"opencourse_backend/internal/util"
	"opencourse_backend/pkg/events"
	"opencourse_backend/pkg/logger"
	"opencourse_backend/pkg/monitoring"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultSessionRetention = 10 * time.Minute
	defaultMaxUntimed       = 2 * time.Hour
	persistTimeout          = 10 * time.Second
)

// SessionView 开始作答时返回题目（不含正确答案）与会话状态
type SessionView struct {
	Session quiz.Snapshot `json:"session"`
	Quiz    *model.Quiz   `json:"quiz"`
}

type sessionKey struct {
	userID, quizID uint
}

type hostedSession struct {
	*quiz.Session
	cancel context.CancelFunc
}

// QuizService 托管限时作答会话：每个会话一个倒计时 goroutine，
// 同一用户同一测验只保留最新的会话
type QuizService struct {
	QuizRepo       *repository.QuizRepository
	EnrollmentRepo *repository.EnrollmentRepository
	Progress       *EnrollmentService
	Events         events.Publisher
	Retention      time.Duration
	// 不限时会话的最长存活时间，到期未提交即回收
	MaxUntimed     time.Duration

	mu       sync.Mutex
	sessions map[string]*hostedSession
	active   map[sessionKey]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQuizService(
	quizRepo *repository.QuizRepository,
	enrollmentRepo *repository.EnrollmentRepository,
	progress *EnrollmentService,
	publisher events.Publisher,
) *QuizService {
	ctx, cancel := context.WithCancel(context.Background())
	return &QuizService{
		QuizRepo:       quizRepo,
		EnrollmentRepo: enrollmentRepo,
		Progress:       progress,
		Events:         publisher,
		Retention:      defaultSessionRetention,
		MaxUntimed:     defaultMaxUntimed,
		sessions:       make(map[string]*hostedSession),
		active:         make(map[sessionKey]string),
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (s *QuizService) loadQuiz(quizID uint) (*model.Quiz, error) {
	q, err := s.QuizRepo.FindWithQuestions(quizID)
	if err != nil {
		return nil, notFoundOr(err, util.ErrQuizNotFound)
	}
	return q, nil
}

// StartSession 开始一次作答，已有未提交的会话会被放弃
func (s *QuizService) StartSession(ctx context.Context, userID, quizID uint) (*SessionView, error) {
	q, err := s.loadQuiz(quizID)
	if err != nil {
		return nil, err
	}

	sess := quiz.NewSession(userID, q, s.persist)
	if err := sess.Start(); err != nil {
		return nil, err
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if q.TimeLimit == 0 && s.MaxUntimed > 0 {
		runCtx, cancel = context.WithTimeout(s.ctx, s.MaxUntimed)
	} else {
		runCtx, cancel = context.WithCancel(s.ctx)
	}
	hosted := &hostedSession{Session: sess, cancel: cancel}
	key := sessionKey{userID: userID, quizID: quizID}

	s.mu.Lock()
	if oldID, ok := s.active[key]; ok {
		if old, ok := s.sessions[oldID]; ok {
			old.cancel()
			delete(s.sessions, oldID)
			logger.Log.Info("Quiz session abandoned", zap.String("sessionId", oldID), zap.Uint("userId", userID))
		}
	}
	s.sessions[sess.ID] = hosted
	s.active[key] = sess.ID
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.Run(runCtx)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && sess.State() != quiz.StateSubmitted {
			logger.Log.Info("Untimed quiz session expired",
				zap.String("sessionId", sess.ID),
				zap.Uint("userId", userID),
				zap.Uint("quizId", quizID),
			)
		}
		s.release(hosted)
		cancel()
	}()

	return &SessionView{Session: sess.Snapshot(), Quiz: q}, nil
}

func (s *QuizService) lookup(sessionID string, userID uint) (*hostedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.sessions[sessionID]
	if !ok || h.UserID != userID {
		return nil, util.ErrSessionNotFound
	}
	return h, nil
}

// release 会话结束后解除 (user, quiz) 占用；已提交的会话保留一段时间供查询
func (s *QuizService) release(h *hostedSession) {
	key := sessionKey{userID: h.UserID, quizID: h.QuizID()}

	s.mu.Lock()
	if s.active[key] == h.ID {
		delete(s.active, key)
	}
	if h.State() != quiz.StateSubmitted {
		delete(s.sessions, h.ID)
	}
	s.mu.Unlock()

	if h.State() == quiz.StateSubmitted {
		time.AfterFunc(s.Retention, func() {
			s.mu.Lock()
			if s.sessions[h.ID] == h {
				delete(s.sessions, h.ID)
			}
			s.mu.Unlock()
		})
	}
}

func (s *QuizService) GetSession(sessionID string, userID uint) (quiz.Snapshot, error) {
	h, err := s.lookup(sessionID, userID)
	if err != nil {
		return quiz.Snapshot{}, err
	}
	return h.Snapshot(), nil
}

func (s *QuizService) Answer(sessionID string, userID uint, questionIndex, optionIndex int) (quiz.Snapshot, error) {
	h, err := s.lookup(sessionID, userID)
	if err != nil {
		return quiz.Snapshot{}, err
	}
	if h.State() == quiz.StateSubmitted {
		return quiz.Snapshot{}, util.ErrQuizAlreadySubmitted
	}
	if err := h.SelectAnswer(questionIndex, optionIndex); err != nil {
		if errors.Is(err, util.ErrQuizNotInProgress) && h.State() == quiz.StateSubmitted {
			return quiz.Snapshot{}, util.ErrQuizAlreadySubmitted
		}
		return quiz.Snapshot{}, err
	}
	return h.Snapshot(), nil
}

// SubmitSession 手动提交；重复提交返回已有结果
func (s *QuizService) SubmitSession(ctx context.Context, sessionID string, userID uint) (quiz.Result, error) {
	h, err := s.lookup(sessionID, userID)
	if err != nil {
		return quiz.Result{}, err
	}

	res, _ := h.Submit()
	h.cancel()
	return res, nil
}

// SubmitAnswers 一次性提交整份答卷，不经过会话托管
func (s *QuizService) SubmitAnswers(ctx context.Context, userID, quizID uint, answers map[int]int, timeSpent int) (quiz.Result, error) {
	q, err := s.loadQuiz(quizID)
	if err != nil {
		return quiz.Result{}, err
	}

	sess := quiz.NewSession(userID, q, s.persist)
	if err := sess.Start(); err != nil {
		return quiz.Result{}, err
	}
	sess.SetElapsed(timeSpent)

	indexes := make([]int, 0, len(answers))
	for i := range answers {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		if err := sess.SelectAnswer(i, answers[i]); err != nil {
			return quiz.Result{}, err
		}
	}

	res, _ := sess.Submit()
	return res, nil
}

func (s *QuizService) ListAttempts(userID, quizID uint) ([]model.QuizAttempt, error) {
	return s.QuizRepo.ListAttempts(userID, quizID)
}

// persist 保存作答记录并转发给进度跟踪；失败只记录日志，不影响返回给用户的结果
func (s *QuizService) persist(res quiz.Result) {
	trigger := "manual"
	if res.TimedOut {
		trigger = "timeout"
	}
	monitoring.QuizSubmissions.WithLabelValues(trigger).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	attempt := &model.QuizAttempt{
		UUIDBase:       model.UUIDBase{ID: res.SessionID},
		UserID:         res.UserID,
		QuizID:         res.QuizID,
		CourseID:       res.CourseID,
		Answers:        datatypes.NewJSONType(res.Answers),
		Score:          res.Score,
		CorrectAnswers: res.CorrectAnswers,
		TotalQuestions: res.TotalQuestions,
		TimeSpent:      res.TimeSpent,
		TimedOut:       res.TimedOut,
		DataError:      res.DataError,
		CompletedAt:    res.CompletedAt,
	}
	if err := s.QuizRepo.WithTx(s.QuizRepo.DB.WithContext(ctx)).CreateAttempt(attempt); err != nil {
		monitoring.QuizPersistFailures.Inc()
		logger.Log.Error("Failed to persist quiz attempt",
			zap.String("attemptId", attempt.ID),
			zap.Uint("userId", res.UserID),
			zap.Uint("quizId", res.QuizID),
			zap.Int("score", res.Score),
			zap.Error(err),
		)
		return
	}

	events.Emit(ctx, s.Events, events.QuizSubmitted, map[string]interface{}{
		"attemptId": attempt.ID,
		"userId":    attempt.UserID,
		"quizId":    attempt.QuizID,
		"courseId":  attempt.CourseID,
		"score":     attempt.Score,
		"timedOut":  attempt.TimedOut,
	})

	if s.Progress == nil || s.EnrollmentRepo == nil {
		return
	}
	e, err := s.EnrollmentRepo.FindOpenByUserAndCourse(res.UserID, res.CourseID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Log.Warn("Failed to look up enrollment for quiz attempt", zap.String("attemptId", attempt.ID), zap.Error(err))
		}
		return
	}
	if _, err := s.Progress.RecordQuizResult(ctx, e.ID, attempt); err != nil {
		logger.Log.Warn("Failed to record quiz result on enrollment",
			zap.String("attemptId", attempt.ID),
			zap.String("enrollmentId", e.ID),
			zap.Error(err),
		)
	}
}

// Shutdown 放弃所有未提交的会话并等待倒计时 goroutine 退出
func (s *QuizService) Shutdown() {
	s.cancel()
	s.wg.Wait()
}
