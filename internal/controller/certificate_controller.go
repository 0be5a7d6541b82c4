package controller

import (
	"errors"
	"io"
	"net/http"
	"opencourse_backend/internal/certimport"
	"opencourse_backend/internal/model"
	"opencourse_backend/internal/repository"
	"opencourse_backend/internal/service"
	"opencourse_backend/internal/util"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type CertificateController struct {
	CertificateService *service.CertificateService
	VerifierService    *service.VerifierService
	ReconcileService   *service.ReconcileService
}

func NewCertificateController(
	certificateService *service.CertificateService,
	verifierService *service.VerifierService,
	reconcileService *service.ReconcileService,
) *CertificateController {
	return &CertificateController{
		CertificateService: certificateService,
		VerifierService:    verifierService,
		ReconcileService:   reconcileService,
	}
}

// swagger:model VerifyRequest
type VerifyRequest struct {
	CertificateID string `json:"certificateId" binding:"required"`
}

var verifyMessages = map[string]string{
	service.ReasonNotFound:    "Certificate not found",
	service.ReasonRevoked:     "Certificate has been revoked",
	service.ReasonUnavailable: "Verification is temporarily unavailable",
}

var verifyStatus = map[string]int{
	service.ReasonNotFound:    http.StatusNotFound,
	service.ReasonRevoked:     http.StatusGone,
	service.ReasonUnavailable: http.StatusServiceUnavailable,
}

// @Summary 验证证书
// @Description 公开接口，按证书编号查询真伪，编号大小写不敏感
// @Tags 证书
// @Accept json
// @Produce json
// @Param body body VerifyRequest true "证书编号"
// @Success 200 {object} object "{success:true, certificate}"
// @Failure 404 {object} object "{success:false, message}"
// @Failure 410 {object} object "{success:false, message}"
// @Router /api/certificates/verify [post]
func (c *CertificateController) Verify(ctx *gin.Context) {
	var req VerifyRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "certificateId is required"})
		return
	}
	c.writeVerification(ctx, req.CertificateID)
}

// @Summary 验证证书（GET）
// @Tags 证书
// @Produce json
// @Param id path string true "证书编号"
// @Success 200 {object} object "{success:true, certificate}"
// @Router /api/certificates/verify/{id} [get]
func (c *CertificateController) VerifyByID(ctx *gin.Context) {
	c.writeVerification(ctx, ctx.Param("id"))
}

func (c *CertificateController) writeVerification(ctx *gin.Context, id string) {
	res := c.VerifierService.Verify(ctx.Request.Context(), id)
	if res.Valid {
		ctx.JSON(http.StatusOK, gin.H{"success": true, "certificate": res.Certificate})
		return
	}
	ctx.JSON(verifyStatus[res.Reason], gin.H{
		"success": false,
		"reason":  res.Reason,
		"message": verifyMessages[res.Reason],
	})
}

// @Summary 颁发证书
// @Description 传 enrollmentId 按选课记录颁发，否则按手工填写的信息颁发
// @Tags 管理员
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param body body service.IssueRequest true "颁发请求"
// @Success 201 {object} util.Response{data=model.Certificate}
// @Failure 409 {object} util.Response "已颁发或未结课"
// @Router /api/admin/certificates [post]
func (c *CertificateController) Issue(ctx *gin.Context) {
	var req service.IssueRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	cert, err := c.CertificateService.Issue(ctx.Request.Context(), req)
	if err != nil {
		util.HandleServiceError(ctx, err)
		return
	}
	util.Created(ctx, cert)
}

// @Summary 批量颁发证书
// @Description 各行独立写入，部分失败时返回 207 与逐行错误
// @Tags 管理员
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param body body service.BulkIssueRequest true "批量颁发请求"
// @Success 201 {object} util.Response{data=service.BulkIssueResult}
// @Success 207 {object} util.Response{data=service.BulkIssueResult}
// @Router /api/admin/certificates/bulk [post]
func (c *CertificateController) BulkIssue(ctx *gin.Context) {
	var req service.BulkIssueRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}
	if user := util.GetUserFromContext(ctx); user != nil {
		req.CreatedBy = user.UserID
	}

	res, err := c.CertificateService.BulkIssue(ctx.Request.Context(), req)
	writeBatchResult(ctx, res, err)
}

// @Summary 导入表格批量颁发
// @Description 支持 .csv 与 .xlsx，表头为 studentName/studentId/completionDate 或其别名
// @Tags 管理员
// @Accept multipart/form-data
// @Produce json
// @Security ApiKeyAuth
// @Param file formData file true "导入文件"
// @Param courseId formData int true "课程ID"
// @Param periodStart formData string false "统计区间开始"
// @Param periodEnd formData string false "统计区间结束"
// @Param strictPeriod formData bool false "拒绝区间外的行"
// @Success 201 {object} util.Response{data=service.BulkIssueResult}
// @Success 207 {object} util.Response{data=service.BulkIssueResult}
// @Router /api/admin/certificates/import [post]
func (c *CertificateController) Import(ctx *gin.Context) {
	courseID, err := strconv.ParseUint(ctx.PostForm("courseId"), 10, 64)
	if err != nil || courseID == 0 {
		util.BadRequest(ctx, "Invalid courseId")
		return
	}

	fileHeader, err := ctx.FormFile("file")
	if err != nil {
		util.BadRequest(ctx, "file is required")
		return
	}
	if fileHeader.Size > util.MaxImportFileSize {
		util.BadRequest(ctx, "file is too large")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, util.MaxImportFileSize))
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}

	req := service.ImportRequest{
		CourseID:     uint(courseID),
		StrictPeriod: ctx.PostForm("strictPeriod") == "true",
		Filename:     fileHeader.Filename,
		Data:         data,
	}
	if req.PeriodStart, err = optionalDate(ctx.PostForm("periodStart")); err != nil {
		util.BadRequest(ctx, "Invalid periodStart")
		return
	}
	if req.PeriodEnd, err = optionalDate(ctx.PostForm("periodEnd")); err != nil {
		util.BadRequest(ctx, "Invalid periodEnd")
		return
	}
	if user := util.GetUserFromContext(ctx); user != nil {
		req.CreatedBy = user.UserID
	}

	res, err := c.CertificateService.ImportAndIssue(ctx.Request.Context(), req)
	writeBatchResult(ctx, res, err)
}

func optionalDate(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := certimport.ParseDate(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func writeBatchResult(ctx *gin.Context, res *service.BulkIssueResult, err error) {
	switch {
	case err == nil:
		util.Created(ctx, res)
	case errors.Is(err, util.ErrPartialBatchFailure) && res != nil:
		ctx.JSON(http.StatusMultiStatus, util.Response{
			Code:    http.StatusMultiStatus,
			Message: err.Error(),
			Data:    res,
		})
	default:
		util.HandleServiceError(ctx, err)
	}
}

type RevokeRequest struct {
	Reason string `json:"reason" binding:"max=255"`
}

// @Summary 吊销证书
// @Description 只修改状态，记录保留；重复吊销无副作用
// @Tags 管理员
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "证书编号"
// @Param body body RevokeRequest false "吊销原因"
// @Success 200 {object} util.Response{data=model.Certificate}
// @Failure 404 {object} util.Response
// @Router /api/admin/certificates/{id}/revoke [post]
func (c *CertificateController) Revoke(ctx *gin.Context) {
	var req RevokeRequest
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			util.BadRequest(ctx, err.Error())
			return
		}
	}

	cert, err := c.CertificateService.Revoke(ctx.Request.Context(), ctx.Param("id"), req.Reason)
	if err != nil {
		util.HandleServiceError(ctx, err)
		return
	}
	util.Success(ctx, cert)
}

// @Summary 证书列表
// @Tags 管理员
// @Produce json
// @Security ApiKeyAuth
// @Param courseId query int false "课程ID"
// @Param status query string false "active|revoked"
// @Param keyword query string false "学生姓名或证书编号"
// @Param batchId query string false "批次ID"
// @Param page query int false "页码"
// @Param limit query int false "每页数量"
// @Success 200 {object} util.Response{data=util.PageResponse}
// @Router /api/admin/certificates [get]
func (c *CertificateController) List(ctx *gin.Context) {
	page, limit := pageQuery(ctx)
	courseID, _ := strconv.ParseUint(ctx.Query("courseId"), 10, 64)

	filter := repository.CertificateFilter{
		CourseID: uint(courseID),
		Status:   model.CertificateStatus(ctx.Query("status")),
		Keyword:  ctx.Query("keyword"),
		BatchID:  ctx.Query("batchId"),
	}
	list, total, err := c.CertificateService.List(filter, page, limit)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}

	util.Success(ctx, util.PageResponse{
		List:  list,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// @Summary 证书详情
// @Tags 管理员
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "证书编号"
// @Success 200 {object} util.Response{data=model.Certificate}
// @Router /api/admin/certificates/{id} [get]
func (c *CertificateController) Get(ctx *gin.Context) {
	cert, err := c.CertificateService.Get(ctx.Param("id"))
	if err != nil {
		util.HandleServiceError(ctx, err)
		return
	}
	util.Success(ctx, cert)
}

// @Summary 批次详情
// @Tags 管理员
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "批次ID"
// @Success 200 {object} util.Response{data=model.CertificateBatch}
// @Router /api/admin/certificate-batches/{id} [get]
func (c *CertificateController) GetBatch(ctx *gin.Context) {
	batch, err := c.CertificateService.GetBatch(ctx.Param("id"))
	if err != nil {
		util.HandleServiceError(ctx, err)
		return
	}
	util.Success(ctx, batch)
}

// @Summary 立即执行对账
// @Tags 管理员
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=service.ReconcileReport}
// @Router /api/admin/reconcile [post]
func (c *CertificateController) Reconcile(ctx *gin.Context) {
	report, err := c.ReconcileService.Run(ctx.Request.Context())
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, report)
}
