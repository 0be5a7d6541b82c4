package service

import (
	"context"
	"encoding/json"
	"errors"
	"opencourse_backend/internal/model"
	"opencourse_backend/internal/repository"
	"opencourse_backend/pkg/logger"
	"opencourse_backend/pkg/monitoring"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	ReasonNotFound    = "NotFound"
	ReasonRevoked     = "Revoked"
	ReasonUnavailable = "Unavailable"

	verifyCachePrefix = "verify:"
)

// VerificationResult 公开验证结果，只有 Valid 为 true 时携带证书
type VerificationResult struct {
	Valid       bool               `json:"valid"`
	Reason      string             `json:"reason,omitempty"`
	Certificate *model.Certificate `json:"certificate,omitempty"`
}

// VerifierService 证书公开验证。Redis 可选，作为读穿缓存。
type VerifierService struct {
	CertRepo *repository.CertificateRepository
	Redis    *redis.Client
	CacheTTL time.Duration
}

func NewVerifierService(certRepo *repository.CertificateRepository, rdb *redis.Client, ttl time.Duration) *VerifierService {
	return &VerifierService{CertRepo: certRepo, Redis: rdb, CacheTTL: ttl}
}

// NormalizeCertificateID 证书编号大小写不敏感，统一存储为大写
func NormalizeCertificateID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Verify 永远返回结构化结果，存储异常记为 Unavailable
func (s *VerifierService) Verify(ctx context.Context, rawID string) VerificationResult {
	id := NormalizeCertificateID(rawID)
	if id == "" {
		return s.record(VerificationResult{Reason: ReasonNotFound})
	}

	if cached, ok := s.fromCache(ctx, id); ok {
		return s.record(cached)
	}

	cert, err := s.CertRepo.FindByCertificateID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.record(VerificationResult{Reason: ReasonNotFound})
		}
		logger.Log.Error("Certificate lookup failed", zap.String("certificateId", id), zap.Error(err))
		return s.record(VerificationResult{Reason: ReasonUnavailable})
	}

	res := VerificationResult{Valid: true, Certificate: cert}
	if !cert.IsActive() {
		res = VerificationResult{Reason: ReasonRevoked}
	}
	s.toCache(ctx, id, res)
	return s.record(res)
}

// Invalidate 吊销后清除缓存
func (s *VerifierService) Invalidate(ctx context.Context, certificateID string) {
	if s.Redis == nil {
		return
	}
	key := verifyCachePrefix + NormalizeCertificateID(certificateID)
	if err := s.Redis.Del(ctx, key).Err(); err != nil {
		logger.Log.Warn("Failed to invalidate verify cache", zap.String("key", key), zap.Error(err))
	}
}

func (s *VerifierService) fromCache(ctx context.Context, id string) (VerificationResult, bool) {
	var res VerificationResult
	if s.Redis == nil || s.CacheTTL <= 0 {
		return res, false
	}

	data, err := s.Redis.Get(ctx, verifyCachePrefix+id).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Log.Warn("Verify cache read failed", zap.String("certificateId", id), zap.Error(err))
		}
		return res, false
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return res, false
	}
	return res, true
}

func (s *VerifierService) toCache(ctx context.Context, id string, res VerificationResult) {
	if s.Redis == nil || s.CacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := s.Redis.Set(ctx, verifyCachePrefix+id, data, s.CacheTTL).Err(); err != nil {
		logger.Log.Warn("Verify cache write failed", zap.String("certificateId", id), zap.Error(err))
	}
}

func (s *VerifierService) record(res VerificationResult) VerificationResult {
	label := res.Reason
	if res.Valid {
		label = "valid"
	}
	monitoring.CertificateVerifications.WithLabelValues(label).Inc()
	return res
}
