package quiz

import (
	"context"
	"opencourse_backend/internal/model"
	"opencourse_backend/internal/util"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State int

const (
	StateLoading State = iota
	StateInProgress
	StateSubmitted
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateInProgress:
		return "in_progress"
	case StateSubmitted:
		return "submitted"
	default:
		return "unknown"
	}
}

// Result 一次作答的评分结果
type Result struct {
	SessionID      string      `json:"sessionId"`
	QuizID         uint        `json:"quizId"`
	CourseID       uint        `json:"courseId"`
	UserID         uint        `json:"userId"`
	Answers        map[int]int `json:"answers"`
	Score          int         `json:"score"`
	CorrectAnswers int         `json:"correctAnswers"`
	TotalQuestions int         `json:"totalQuestions"`
	TimeSpent      int         `json:"timeSpent"`
	TimedOut       bool        `json:"timedOut"`
	DataError      bool        `json:"dataError"`
	CompletedAt    time.Time   `json:"completedAt"`
}

// SubmitFunc 提交后回调（持久化等），在会话锁之外调用
type SubmitFunc func(Result)

// Session 单次限时作答：Loading -> InProgress -> Submitted。
// 重做需要新建 Session。
type Session struct {
	ID     string
	UserID uint

	mu        sync.Mutex
	quiz      *model.Quiz
	state     State
	answers   map[int]int
	limit     int // 秒，0 表示不限时
	remaining int
	elapsed   int // 不限时测验由调用方回放的用时
	result    *Result
	onSubmit  SubmitFunc
	startedAt time.Time
}

func NewSession(userID uint, quiz *model.Quiz, onSubmit SubmitFunc) *Session {
	return &Session{
		ID:       uuid.New().String(),
		UserID:   userID,
		quiz:     quiz,
		state:    StateLoading,
		answers:  make(map[int]int),
		onSubmit: onSubmit,
	}
}

// Start 题目与限时加载完成后进入 InProgress，倒计时为 timeLimit*60 秒
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateLoading {
		return util.ErrQuizNotInProgress
	}
	if s.quiz.TimeLimit > 0 {
		s.limit = s.quiz.TimeLimit * 60
	}
	s.remaining = s.limit
	s.state = StateInProgress
	s.startedAt = time.Now()
	return nil
}

// SelectAnswer 同一题后写覆盖先写
func (s *Session) SelectAnswer(questionIndex, optionIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInProgress {
		return util.ErrQuizNotInProgress
	}
	if !ValidateAnswer(s.quiz.Questions, questionIndex, optionIndex) {
		return util.ErrInvalidAnswerIndex
	}
	s.answers[questionIndex] = optionIndex
	return nil
}

// Tick 倒计时减一秒；归零时自动提交并返回结果
func (s *Session) Tick() (*Result, bool) {
	s.mu.Lock()
	if s.state != StateInProgress {
		s.mu.Unlock()
		return nil, false
	}

	if s.limit == 0 {
		s.mu.Unlock()
		return nil, false
	}
	if s.remaining > 0 {
		s.remaining--
	}
	if s.remaining > 0 {
		s.mu.Unlock()
		return nil, false
	}

	res := s.finishLocked(true)
	s.mu.Unlock()

	s.notify(res)
	return &res, true
}

// Submit 幂等：已提交时返回已有结果，submitted=false 表示本次调用未改变状态
func (s *Session) Submit() (Result, bool) {
	s.mu.Lock()
	if s.state == StateSubmitted {
		res := *s.result
		s.mu.Unlock()
		return res, false
	}
	if s.state != StateInProgress {
		s.mu.Unlock()
		return Result{}, false
	}

	res := s.finishLocked(false)
	s.mu.Unlock()

	s.notify(res)
	return res, true
}

// SetElapsed 回放客户端上报的用时，用于一次性提交接口
func (s *Session) SetElapsed(seconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInProgress {
		return
	}
	if seconds < 0 {
		seconds = 0
	}
	if s.limit == 0 {
		s.elapsed = seconds
		return
	}
	if seconds > s.limit {
		seconds = s.limit
	}
	s.remaining = s.limit - seconds
}

func (s *Session) timeSpentLocked() int {
	if s.limit > 0 {
		return s.limit - s.remaining
	}
	if s.elapsed > 0 {
		return s.elapsed
	}
	return int(time.Since(s.startedAt).Seconds())
}

func (s *Session) finishLocked(timedOut bool) Result {
	answers := make(map[int]int, len(s.answers))
	for k, v := range s.answers {
		answers[k] = v
	}

	correct, total, score, dataError := Score(s.quiz.Questions, answers)
	res := Result{
		SessionID:      s.ID,
		QuizID:         s.quiz.ID,
		CourseID:       s.quiz.CourseID,
		UserID:         s.UserID,
		Answers:        answers,
		Score:          score,
		CorrectAnswers: correct,
		TotalQuestions: total,
		TimeSpent:      s.timeSpentLocked(),
		TimedOut:       timedOut,
		DataError:      dataError,
		CompletedAt:    time.Now(),
	}
	s.result = &res
	s.state = StateSubmitted
	return res
}

func (s *Session) notify(res Result) {
	if s.onSubmit != nil {
		s.onSubmit(res)
	}
}

// Run 每秒驱动一次 Tick，直到提交或 ctx 取消（取消即放弃作答，不提交）
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, done := s.Tick(); done || s.State() == StateSubmitted {
				return
			}
		}
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

func (s *Session) QuizID() uint {
	return s.quiz.ID
}

func (s *Session) Result() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return Result{}, false
	}
	return *s.result, true
}

// Snapshot 会话当前状态，供查询接口返回
type Snapshot struct {
	SessionID string      `json:"sessionId"`
	QuizID    uint        `json:"quizId"`
	State     string      `json:"state"`
	Remaining int         `json:"remainingTime"`
	Answers   map[int]int `json:"answers"`
	StartedAt time.Time   `json:"startedAt"`
	Result    *Result     `json:"result,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	answers := make(map[int]int, len(s.answers))
	for k, v := range s.answers {
		answers[k] = v
	}
	return Snapshot{
		SessionID: s.ID,
		QuizID:    s.quiz.ID,
		State:     s.state.String(),
		Remaining: s.remaining,
		Answers:   answers,
		StartedAt: s.startedAt,
		Result:    s.result,
	}
}
