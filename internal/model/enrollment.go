package model

import (
	"time"

	"gorm.io/datatypes"
)

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentDropped   EnrollmentStatus = "dropped"
)

// IsTerminal completed 和 dropped 都是终态
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentDropped
}

type transition struct {
	from, to EnrollmentStatus
}

// 常规流转只允许从 active 出发；其余流转必须由管理员强制执行
var (
	normalTransitions = map[transition]bool{
		{EnrollmentActive, EnrollmentCompleted}: true,
		{EnrollmentActive, EnrollmentDropped}:   true,
	}
	overrideTransitions = map[transition]bool{
		{EnrollmentCompleted, EnrollmentActive}: true,
		{EnrollmentDropped, EnrollmentActive}:   true,
	}
)

// CanTransition 判断状态流转是否合法
func CanTransition(from, to EnrollmentStatus, override bool) bool {
	t := transition{from, to}
	if normalTransitions[t] {
		return true
	}
	return override && overrideTransitions[t]
}

// swagger:model Enrollment
type Enrollment struct {
	UUIDBase
	UserID            uint                      `gorm:"index;not null" json:"userId"`
	CourseID          uint                      `gorm:"index;not null" json:"courseId"`
	Status            EnrollmentStatus          `gorm:"size:20;default:'active';index" json:"status"`
	Progress          int                       `gorm:"default:0" json:"progress"`
	CompletedLessons  datatypes.JSONSlice[uint] `json:"completedLessons"`
	PassedQuizzes     datatypes.JSONSlice[uint] `json:"passedQuizzes"`
	CertificateIssued bool                      `gorm:"default:false" json:"certificateIssued"`
	CertificateID     *string                   `gorm:"size:32;index" json:"certificateId,omitempty"`
	CompletedAt       *time.Time                `json:"completedAt,omitempty"`
	DroppedAt         *time.Time                `json:"droppedAt,omitempty"`
}

func (Enrollment) TableName() string {
	return "enrollments"
}

// HasLesson 集合语义：同一课时只记录一次
func (e *Enrollment) HasLesson(lessonID uint) bool {
	for _, id := range e.CompletedLessons {
		if id == lessonID {
			return true
		}
	}
	return false
}

func (e *Enrollment) HasPassedQuiz(quizID uint) bool {
	for _, id := range e.PassedQuizzes {
		if id == quizID {
			return true
		}
	}
	return false
}

// EnrollmentQuizResult 记录选课与测验作答的关联，用于报表
type EnrollmentQuizResult struct {
	BaseModel
	EnrollmentID string `gorm:"index;type:varchar(36);not null" json:"enrollmentId"`
	AttemptID    string `gorm:"uniqueIndex;type:varchar(36);not null" json:"attemptId"`
	QuizID       uint   `gorm:"index" json:"quizId"`
	Score        int    `json:"score"`
}

func (EnrollmentQuizResult) TableName() string {
	return "enrollment_quiz_results"
}
