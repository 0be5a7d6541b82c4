package repository

import (
	"opencourse_backend/internal/model"

	"gorm.io/gorm"
)

// CourseRepository 课程/课时的只读提供方（课程增删改由后台工具负责）
type CourseRepository struct {
	DB *gorm.DB
}

func NewCourseRepository(db *gorm.DB) *CourseRepository {
	return &CourseRepository{DB: db}
}

func (r *CourseRepository) WithTx(tx *gorm.DB) *CourseRepository {
	return &CourseRepository{DB: tx}
}

func (r *CourseRepository) Create(course *model.Course) error {
	return r.DB.Create(course).Error
}

func (r *CourseRepository) FindByID(id uint) (*model.Course, error) {
	var course model.Course
	err := r.DB.First(&course, id).Error
	return &course, err
}

func (r *CourseRepository) FindWithLessons(id uint) (*model.Course, error) {
	var course model.Course
	err := r.DB.Preload("Lessons", func(db *gorm.DB) *gorm.DB {
		return db.Order("`order` asc, id asc")
	}).First(&course, id).Error
	return &course, err
}

func (r *CourseRepository) ListQuizIDs(courseID uint) ([]uint, error) {
	var ids []uint
	err := r.DB.Model(&model.Quiz{}).Where("course_id = ?", courseID).Order("id asc").Pluck("id", &ids).Error
	return ids, err
}
