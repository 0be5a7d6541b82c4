package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrImmutableRecord = errors.New("record is insert-only")

// swagger:model
type BaseModel struct {
	ID        uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// UUIDBase 对外暴露的记录使用 UUID 主键，调用方也可预先指定 ID
// swagger:model
type UUIDBase struct {
	ID        string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (b *UUIDBase) BeforeCreate(tx *gorm.DB) (err error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	return
}

// InsertOnly 嵌入后该表拒绝 UPDATE 与 DELETE
type InsertOnly struct{}

func (InsertOnly) BeforeUpdate(tx *gorm.DB) error {
	return ErrImmutableRecord
}

func (InsertOnly) BeforeDelete(tx *gorm.DB) error {
	return ErrImmutableRecord
}
