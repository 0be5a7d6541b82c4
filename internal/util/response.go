package util

import (
	"errors"
	"net/http"
	"opencourse_backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// PageResponse 分页响应结构
type PageResponse struct {
	List  interface{} `json:"list"`
	Total int64       `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "success",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    http.StatusCreated,
		Message: "created",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(code, Response{
		Code:    code,
		Message: message,
	})
}

func Unauthorized(c *gin.Context) {
	Error(c, http.StatusUnauthorized, "Unauthorized")
}

func Forbidden(c *gin.Context) {
	Error(c, http.StatusForbidden, "Forbidden")
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

func NotFound(c *gin.Context) {
	Error(c, http.StatusNotFound, "Resource not found")
}

func Conflict(c *gin.Context, message string) {
	Error(c, http.StatusConflict, message)
}

func InternalServerError(c *gin.Context) {
	Error(c, http.StatusInternalServerError, "Internal server error")
}

func LogInternalError(c *gin.Context, err error) {
	logger.Log.Error("Internal server error", zap.Error(err), zap.String("path", c.FullPath()))
	InternalServerError(c)
}

// HandleServiceError 将业务层哨兵错误映射为 HTTP 状态码
func HandleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrPermissionDenied):
		Forbidden(c)
	case errors.Is(err, ErrInvalidLogin):
		Error(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrAlreadyIssued),
		errors.Is(err, ErrAlreadyEnrolled),
		errors.Is(err, ErrEmailRegistered),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrEnrollmentClosed),
		errors.Is(err, ErrEnrollmentNotCompleted),
		errors.Is(err, ErrQuizAlreadySubmitted),
		errors.Is(err, ErrQuizNotInProgress):
		Conflict(c, err.Error())
	case errors.Is(err, ErrInvalidAnswerIndex),
		errors.Is(err, ErrCourseNotActive),
		errors.Is(err, ErrEmptyBatch),
		errors.Is(err, ErrInvalidCertificate),
		errors.Is(err, ErrInvalidImportFile):
		BadRequest(c, err.Error())
	default:
		LogInternalError(c, err)
	}
}
