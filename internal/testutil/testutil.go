// Package testutil 为各层测试提供内存 SQLite 数据库与基础数据
package testutil

import (
	"fmt"
	"opencourse_backend/internal/model"
	"opencourse_backend/pkg/database"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// NewTestDB 每个测试独享一个内存库；单连接保证并发测试时写入串行化
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_busy_timeout=5000", name, dbSeq.Add(1))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func SeedUser(t *testing.T, db *gorm.DB, name string, role model.UserRole) *model.User {
	t.Helper()
	u := &model.User{
		Name:     name,
		Email:    strings.ToLower(strings.ReplaceAll(name, " ", ".")) + fmt.Sprintf("+%d@example.com", dbSeq.Add(1)),
		Password: "x",
		Role:     role,
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

// SeedCourse 创建一个 active 课程及指定数量的课时
func SeedCourse(t *testing.T, db *gorm.DB, title string, lessons int) *model.Course {
	t.Helper()
	c := &model.Course{
		Title:      title,
		Instructor: "Dr. Ada Byron",
		Status:     model.CourseActive,
	}
	for i := 0; i < lessons; i++ {
		c.Lessons = append(c.Lessons, model.Lesson{Title: fmt.Sprintf("Lesson %d", i+1), Order: i + 1})
	}
	require.NoError(t, db.Create(c).Error)
	return c
}

// SeedQuiz correct 为每道题的正确选项下标，每题四个选项
func SeedQuiz(t *testing.T, db *gorm.DB, courseID uint, timeLimit int, correct ...int) *model.Quiz {
	t.Helper()
	q := &model.Quiz{CourseID: courseID, Title: "Quiz", TimeLimit: timeLimit}
	for i, c := range correct {
		q.Questions = append(q.Questions, model.Question{
			Order:         i,
			Text:          fmt.Sprintf("Question %d", i+1),
			Options:       []string{"A", "B", "C", "D"},
			CorrectAnswer: c,
			Type:          model.QuestionMCQ,
		})
	}
	require.NoError(t, db.Create(q).Error)
	return q
}
