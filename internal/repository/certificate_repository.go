package repository

import (
	"opencourse_backend/internal/model"
	"time"

	"gorm.io/gorm"
)

type CertificateRepository struct {
	DB *gorm.DB
}

func NewCertificateRepository(db *gorm.DB) *CertificateRepository {
	return &CertificateRepository{DB: db}
}

func (r *CertificateRepository) WithTx(tx *gorm.DB) *CertificateRepository {
	return &CertificateRepository{DB: tx}
}

func (r *CertificateRepository) Create(cert *model.Certificate) error {
	return r.DB.Create(cert).Error
}

func (r *CertificateRepository) FindByCertificateID(certificateID string) (*model.Certificate, error) {
	var cert model.Certificate
	err := r.DB.Where("certificate_id = ?", certificateID).First(&cert).Error
	return &cert, err
}

func (r *CertificateRepository) FindActiveByEnrollment(enrollmentID string) (*model.Certificate, error) {
	var cert model.Certificate
	err := r.DB.Where("enrollment_id = ? AND status = ?", enrollmentID, model.CertificateActive).
		First(&cert).Error
	return &cert, err
}

// Revoke 证书身份字段不可变，只允许翻转状态
func (r *CertificateRepository) Revoke(certificateID, reason string, at time.Time) error {
	return r.DB.Model(&model.Certificate{}).
		Where("certificate_id = ? AND status = ?", certificateID, model.CertificateActive).
		Updates(map[string]interface{}{
			"status":        model.CertificateRevoked,
			"revoked_at":    at,
			"revoke_reason": reason,
		}).Error
}

type CertificateFilter struct {
	CourseID uint
	Status   model.CertificateStatus
	Keyword  string
	BatchID  string
}

func (r *CertificateRepository) List(filter CertificateFilter, page, limit int) ([]model.Certificate, int64, error) {
	query := r.DB.Model(&model.Certificate{})
	if filter.CourseID > 0 {
		query = query.Where("course_id = ?", filter.CourseID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.BatchID != "" {
		query = query.Where("batch_id = ?", filter.BatchID)
	}
	if filter.Keyword != "" {
		like := "%" + filter.Keyword + "%"
		query = query.Where("student_name LIKE ? OR certificate_id LIKE ?", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var list []model.Certificate
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	err := query.Order("issued_at desc, id desc").Offset((page - 1) * limit).Limit(limit).Find(&list).Error
	return list, total, err
}

// FindActiveLinked 返回关联了选课记录的有效证书，用于对账
func (r *CertificateRepository) FindActiveLinked(afterID uint, limit int) ([]model.Certificate, error) {
	var list []model.Certificate
	err := r.DB.Where("enrollment_id IS NOT NULL AND status = ? AND id > ?", model.CertificateActive, afterID).
		Order("id asc").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *CertificateRepository) CreateBatch(batch *model.CertificateBatch) error {
	return r.DB.Create(batch).Error
}

func (r *CertificateRepository) UpdateBatchCounts(batchID string, created, failed int) error {
	return r.DB.Model(&model.CertificateBatch{}).
		Where("id = ?", batchID).
		Updates(map[string]interface{}{
			"created": created,
			"failed":  failed,
		}).Error
}

func (r *CertificateRepository) FindBatch(batchID string) (*model.CertificateBatch, error) {
	var batch model.CertificateBatch
	err := r.DB.First(&batch, "id = ?", batchID).Error
	return &batch, err
}
