package repository

import (
	"context"
	"fmt"
	"opencourse_backend/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SequenceAllocator 证书编号的原子计数器。Reserve 一次性预留 n 个连续编号并返回第一个。
type SequenceAllocator interface {
	Reserve(ctx context.Context, year, n int) (int64, error)
}

// DBSequence 基于 certificate_sequences 表的计数器，UPDATE value = value + n 在事务内完成
type DBSequence struct {
	DB *gorm.DB
}

func NewDBSequence(db *gorm.DB) *DBSequence {
	return &DBSequence{DB: db}
}

func (s *DBSequence) Reserve(ctx context.Context, year, n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("reserve %d sequence numbers: count must be positive", n)
	}

	var last int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := model.CertificateSequence{Year: year}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		if err := tx.Model(&model.CertificateSequence{}).
			Where("year = ?", year).
			Update("value", gorm.Expr("value + ?", n)).Error; err != nil {
			return err
		}

		var seq model.CertificateSequence
		if err := tx.First(&seq, "year = ?", year).Error; err != nil {
			return err
		}
		last = seq.Value
		return nil
	})
	if err != nil {
		return 0, err
	}

	return last - int64(n) + 1, nil
}

// RedisSequence 基于 INCRBY 的计数器，适用于多实例部署
type RedisSequence struct {
	Client *redis.Client
	Prefix string
}

func NewRedisSequence(rdb *redis.Client) *RedisSequence {
	return &RedisSequence{Client: rdb, Prefix: "cert:seq:"}
}

func (s *RedisSequence) Reserve(ctx context.Context, year, n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("reserve %d sequence numbers: count must be positive", n)
	}

	last, err := s.Client.IncrBy(ctx, fmt.Sprintf("%s%d", s.Prefix, year), int64(n)).Result()
	if err != nil {
		return 0, err
	}
	return last - int64(n) + 1, nil
}
