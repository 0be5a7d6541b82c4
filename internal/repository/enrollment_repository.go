package repository

import (
	"opencourse_backend/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EnrollmentRepository struct {
	DB *gorm.DB
}

func NewEnrollmentRepository(db *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{DB: db}
}

// WithTx 返回绑定到事务的仓储副本
func (r *EnrollmentRepository) WithTx(tx *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{DB: tx}
}

func (r *EnrollmentRepository) Create(enrollment *model.Enrollment) error {
	return r.DB.Create(enrollment).Error
}

func (r *EnrollmentRepository) FindByID(id string) (*model.Enrollment, error) {
	var e model.Enrollment
	err := r.DB.First(&e, "id = ?", id).Error
	return &e, err
}

// FindByIDForUpdate 事务内加行锁读取（SQLite 会忽略 FOR UPDATE）
func (r *EnrollmentRepository) FindByIDForUpdate(id string) (*model.Enrollment, error) {
	var e model.Enrollment
	err := r.DB.Clauses(clause.Locking{Strength: "UPDATE"}).First(&e, "id = ?", id).Error
	return &e, err
}

// FindOpenByUserAndCourse 查找未退课的选课记录
func (r *EnrollmentRepository) FindOpenByUserAndCourse(userID, courseID uint) (*model.Enrollment, error) {
	var e model.Enrollment
	err := r.DB.Where("user_id = ? AND course_id = ? AND status <> ?", userID, courseID, model.EnrollmentDropped).
		Order("created_at desc").
		First(&e).Error
	return &e, err
}

func (r *EnrollmentRepository) ListByUser(userID uint) ([]model.Enrollment, error) {
	var list []model.Enrollment
	err := r.DB.Where("user_id = ?", userID).Order("created_at desc").Find(&list).Error
	return list, err
}

func (r *EnrollmentRepository) Save(enrollment *model.Enrollment) error {
	return r.DB.Save(enrollment).Error
}

// MarkCertified 只更新证书关联字段
func (r *EnrollmentRepository) MarkCertified(id, certificateID string) error {
	return r.DB.Model(&model.Enrollment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"certificate_issued": true,
			"certificate_id":     certificateID,
		}).Error
}

// ClearCertified 证书吊销后保留 certificate_id 作为审计痕迹
func (r *EnrollmentRepository) ClearCertified(id string) error {
	return r.DB.Model(&model.Enrollment{}).
		Where("id = ?", id).
		Update("certificate_issued", false).Error
}

func (r *EnrollmentRepository) CreateQuizResult(result *model.EnrollmentQuizResult) error {
	return r.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(result).Error
}

func (r *EnrollmentRepository) ListQuizResults(enrollmentID string) ([]model.EnrollmentQuizResult, error) {
	var list []model.EnrollmentQuizResult
	err := r.DB.Where("enrollment_id = ?", enrollmentID).Order("created_at asc").Find(&list).Error
	return list, err
}

// FindCompletableActive 进度已满但仍处于 active 的选课（自动结课策略开启前遗留的数据）
func (r *EnrollmentRepository) FindCompletableActive(afterID string, limit int) ([]model.Enrollment, error) {
	var list []model.Enrollment
	err := r.DB.Where("status = ? AND progress >= ? AND id > ?", model.EnrollmentActive, 100, afterID).
		Order("id asc").
		Limit(limit).
		Find(&list).Error
	return list, err
}

// FindCertified 按主键分页遍历已标记颁证的选课记录
func (r *EnrollmentRepository) FindCertified(afterID string, limit int) ([]model.Enrollment, error) {
	var list []model.Enrollment
	err := r.DB.Where("certificate_issued = ? AND id > ?", true, afterID).
		Order("id asc").
		Limit(limit).
		Find(&list).Error
	return list, err
}
