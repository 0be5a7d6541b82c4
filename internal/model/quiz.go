package model

import (
	"time"

	"gorm.io/datatypes"
)

type QuestionType string

const (
	QuestionMCQ       QuestionType = "mcq"
	QuestionTrueFalse QuestionType = "true_false"
)

// swagger:model Quiz
type Quiz struct {
	BaseModel
	CourseID  uint       `gorm:"index;not null" json:"courseId"`
	Title     string     `gorm:"size:255;not null" json:"title"`
	TimeLimit int        `gorm:"default:0" json:"timeLimit"` // Minutes
	Questions []Question `gorm:"foreignKey:QuizID" json:"questions,omitempty"`
}

func (Quiz) TableName() string {
	return "quizzes"
}

type Question struct {
	BaseModel
	QuizID        uint                        `gorm:"index;not null" json:"quizId"`
	Order         int                         `gorm:"default:0" json:"order"`
	Text          string                      `gorm:"type:text;not null" json:"question"`
	Options       datatypes.JSONSlice[string] `json:"options"`
	CorrectAnswer int                         `json:"-"`
	Type          QuestionType                `gorm:"size:20;default:'mcq'" json:"type"`
}

func (Question) TableName() string {
	return "quiz_questions"
}

// QuizAttempt 一次限时作答的结果，只插入不修改；重做会产生新记录
type QuizAttempt struct {
	UUIDBase
	InsertOnly
	UserID         uint                            `gorm:"index;not null" json:"userId"`
	QuizID         uint                            `gorm:"index;not null" json:"quizId"`
	CourseID       uint                            `gorm:"index" json:"courseId"`
	Answers        datatypes.JSONType[map[int]int] `json:"answers"`
	Score          int                             `json:"score"`
	CorrectAnswers int                             `json:"correctAnswers"`
	TotalQuestions int                             `json:"totalQuestions"`
	TimeSpent      int                             `json:"timeSpent"` // 秒
	TimedOut       bool                            `gorm:"default:false" json:"timedOut"`
	DataError      bool                            `gorm:"default:false" json:"dataError"`
	CompletedAt    time.Time                       `json:"completedAt"`
}

func (QuizAttempt) TableName() string {
	return "quiz_attempts"
}
