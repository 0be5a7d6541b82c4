package util

import "errors"

var (
	ErrEmailRegistered  = errors.New("email already registered")
	ErrInvalidLogin     = errors.New("invalid credentials")
	ErrPermissionDenied = errors.New("permission denied")

	ErrNotFound            = errors.New("not found")
	ErrUserNotFound        = notFound("user not found")
	ErrCourseNotFound      = notFound("course not found")
	ErrLessonNotFound      = notFound("lesson not found")
	ErrQuizNotFound        = notFound("quiz not found")
	ErrSessionNotFound     = notFound("quiz session not found")
	ErrEnrollmentNotFound  = notFound("enrollment not found")
	ErrCertificateNotFound = notFound("certificate not found")

	ErrCourseNotActive        = errors.New("course is not open for enrollment")
	ErrAlreadyEnrolled        = errors.New("already enrolled in this course")
	ErrInvalidTransition      = errors.New("invalid enrollment status transition")
	ErrEnrollmentClosed       = errors.New("enrollment is closed")
	ErrEnrollmentNotCompleted = errors.New("enrollment not completed")
	ErrAlreadyIssued          = errors.New("certificate already issued")
	ErrPartialBatchFailure    = errors.New("some rows of the batch failed")
	ErrEmptyBatch             = errors.New("batch contains no rows")
	ErrInvalidCertificate     = errors.New("studentName and courseName are required")
	ErrInvalidImportFile      = errors.New("invalid import file")

	ErrInvalidAnswerIndex   = errors.New("invalid answer index")
	ErrQuizAlreadySubmitted = errors.New("quiz already submitted")
	ErrQuizNotInProgress    = errors.New("quiz not in progress")
)

// notFoundError 让具体的 NotFound 错误同时满足 errors.Is(err, ErrNotFound)
type notFoundError struct{ msg string }

func (e *notFoundError) Error() string        { return e.msg }
func (e *notFoundError) Is(target error) bool { return target == ErrNotFound }

func notFound(msg string) error { return &notFoundError{msg: msg} }
