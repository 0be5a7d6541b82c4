package controller

import (
	"opencourse_backend/internal/service"
	"opencourse_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type EnrollmentController struct {
	EnrollmentService *service.EnrollmentService
}

func NewEnrollmentController(enrollmentService *service.EnrollmentService) *EnrollmentController {
	return &EnrollmentController{EnrollmentService: enrollmentService}
}

// @Summary 选课
// @Tags 选课
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "课程ID"
// @Success 201 {object} util.Response{data=model.Enrollment}
// @Failure 404 {object} util.Response "课程不存在"
// @Failure 409 {object} util.Response "已选过该课程"
// @Router /api/courses/{id}/enroll [post]
func (c *EnrollmentController) Enroll(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	courseID, ok := uintParam(ctx, "id")
	if !ok {
		return
	}

	e, err := c.EnrollmentService.Enroll(ctx.Request.Context(), user.UserID, courseID)
	if err != nil {
		util.HandleServiceError(ctx, err)
		return
	}
	util.Created(ctx, e)
}

// @Summary 我的选课
// @Tags 选课
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=[]model.Enrollment}
// @Router /api/enrollments [get]
func (c *EnrollmentController) ListMine(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	list, err := c.EnrollmentService.ListForUser(user.UserID)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, list)
}

// @Summary 选课详情
// @Tags 选课
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "选课ID"
// @Success 200 {object} util.Response{data=service.EnrollmentDetail}
// @Failure 403 {object} util.Response
// @Failure 404 {object} util.Response
// @Router /api/enrollments/{id} [get]
func (c *EnrollmentController) Get(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	detail, err := c.EnrollmentService.GetDetailForUser(ctx.Param("id"), user.UserID)
	if err != nil {
		util.HandleServiceError(ctx, err)
		return
	}
	util.Success(ctx, detail)
}

// @Summary 完成课时
// @Description 重复提交同一课时不会改变进度
// @Tags 选课
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "选课ID"
// @Param lessonId path int true "课时ID"
// @Success 200 {object} util.Response{data=model.Enrollment}
// @Failure 404 {object} util.Response
// @Failure 409 {object} util.Response "已退课"
// @Router /api/enrollments/{id}/lessons/{lessonId}/complete [post]
func (c *EnrollmentController) CompleteLesson(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	lessonID, ok := uintParam(ctx, "lessonId")
	if !ok {
		return
	}

	// 先确认归属
	if _, err := c.EnrollmentService.GetForUser(ctx.Param("id"), user.UserID); err != nil {
		util.HandleServiceError(ctx, err)
		return
	}

	e, err := c.EnrollmentService.RecordLessonComplete(ctx.Request.Context(), ctx.Param("id"), lessonID)
	if err != nil {
		util.HandleServiceError(ctx, err)
		return
	}
	util.Success(ctx, e)
}

// @Summary 退课
// @Tags 选课
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "选课ID"
// @Success 200 {object} util.Response{data=model.Enrollment}
// @Failure 409 {object} util.Response "状态不允许"
// @Router /api/enrollments/{id}/drop [post]
func (c *EnrollmentController) Drop(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	e, err := c.EnrollmentService.DropForUser(ctx.Request.Context(), ctx.Param("id"), user.UserID)
	if err != nil {
		util.HandleServiceError(ctx, err)
		return
	}
	util.Success(ctx, e)
}

// @Summary 手动结课
// @Tags 管理员
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "选课ID"
// @Success 200 {object} util.Response{data=model.Enrollment}
// @Router /api/admin/enrollments/{id}/complete [post]
func (c *EnrollmentController) Complete(ctx *gin.Context) {
	e, err := c.EnrollmentService.MarkCompleted(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		util.HandleServiceError(ctx, err)
		return
	}
	util.Success(ctx, e)
}

// @Summary 重新开启选课
// @Description 已颁发有效证书时拒绝
// @Tags 管理员
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "选课ID"
// @Success 200 {object} util.Response{data=model.Enrollment}
// @Failure 409 {object} util.Response
// @Router /api/admin/enrollments/{id}/reopen [post]
func (c *EnrollmentController) Reopen(ctx *gin.Context) {
	e, err := c.EnrollmentService.Reopen(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		util.HandleServiceError(ctx, err)
		return
	}
	util.Success(ctx, e)
}
