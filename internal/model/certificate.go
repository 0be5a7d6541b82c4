package model

import (
	"time"
)

type CertificateStatus string

const (
	CertificateActive  CertificateStatus = "active"
	CertificateRevoked CertificateStatus = "revoked"
)

// swagger:model Certificate
type Certificate struct {
	BaseModel
	CertificateID  string            `gorm:"size:32;uniqueIndex;not null" json:"certificateId"`
	EnrollmentID   *string           `gorm:"index;type:varchar(36)" json:"enrollmentId,omitempty"`
	BatchID        *string           `gorm:"index;type:varchar(36)" json:"batchId,omitempty"`
	StudentID      string            `gorm:"size:32" json:"studentId,omitempty"`
	StudentName    string            `gorm:"size:100;not null" json:"studentName"`
	CourseID       uint              `gorm:"index" json:"courseId,omitempty"`
	CourseName     string            `gorm:"size:255;not null" json:"courseName"`
	Instructor     string            `gorm:"size:100" json:"instructor"`
	CompletionDate *time.Time        `json:"completionDate,omitempty"`
	IssuedAt       time.Time         `json:"issuedAt"`
	Status         CertificateStatus `gorm:"size:20;default:'active';index" json:"status"`
	RevokedAt      *time.Time        `json:"revokedAt,omitempty"`
	RevokeReason   string            `gorm:"size:255" json:"revokeReason,omitempty"`
}

func (Certificate) TableName() string {
	return "certificates"
}

func (c *Certificate) IsActive() bool {
	return c.Status == CertificateActive
}

// CertificateSequence 按年份递增的证书编号计数器
type CertificateSequence struct {
	Year      int       `gorm:"primaryKey;autoIncrement:false" json:"year"`
	Value     int64     `gorm:"not null;default:0" json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (CertificateSequence) TableName() string {
	return "certificate_sequences"
}

// CertificateBatch 批量颁发的审计记录
type CertificateBatch struct {
	UUIDBase
	CourseID    uint       `gorm:"index;not null" json:"courseId"`
	PeriodStart *time.Time `json:"periodStart,omitempty"`
	PeriodEnd   *time.Time `json:"periodEnd,omitempty"`
	SourceFile  string     `gorm:"size:512" json:"sourceFile,omitempty"`
	TotalRows   int        `json:"totalRows"`
	Created     int        `json:"created"`
	Failed      int        `json:"failed"`
	CreatedBy   uint       `gorm:"index" json:"createdBy"`
}

func (CertificateBatch) TableName() string {
	return "certificate_batches"
}
