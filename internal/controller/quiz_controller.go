package controller

import (
	"net/http"
	"opencourse_backend/internal/quiz"
	"opencourse_backend/internal/service"
	"opencourse_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type QuizController struct {
	QuizService *service.QuizService
}

func NewQuizController(quizService *service.QuizService) *QuizController {
	return &QuizController{QuizService: quizService}
}

// QuizSubmission 题目下标 -> 选项下标
// swagger:model QuizSubmission
type QuizSubmission struct {
	Answers   map[int]int `json:"answers" binding:"required"`
	TimeSpent int         `json:"timeSpent" binding:"min=0"`
}

// SubmitResponse 评分结果的 score 与 correctAnswers 同时放在顶层
type SubmitResponse struct {
	util.Response
	Score          int `json:"score"`
	CorrectAnswers int `json:"correctAnswers"`
}

func respondResult(ctx *gin.Context, res quiz.Result) {
	ctx.JSON(http.StatusOK, SubmitResponse{
		Response:       util.Response{Code: http.StatusOK, Message: "success", Data: res},
		Score:          res.Score,
		CorrectAnswers: res.CorrectAnswers,
	})
}

// @Summary 提交测验答案
// @Description 一次性提交整份答卷并评分
// @Tags 测验
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "测验ID"
// @Param body body QuizSubmission true "测验答案"
// @Success 200 {object} SubmitResponse{data=quiz.Result}
// @Failure 400 {object} util.Response "答案下标越界"
// @Failure 404 {object} util.Response "测验不存在"
// @Router /api/quizzes/{id}/submit [post]
func (c *QuizController) Submit(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	quizID, ok := uintParam(ctx, "id")
	if !ok {
		return
	}

	var req QuizSubmission
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	res, err := c.QuizService.SubmitAnswers(ctx.Request.Context(), user.UserID, quizID, req.Answers, req.TimeSpent)
	if err != nil {
		util.HandleServiceError(ctx, err)
		return
	}
	respondResult(ctx, res)
}

// @Summary 开始作答
// @Description 创建限时作答会话，倒计时由服务端维护
// @Tags 测验
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "测验ID"
// @Success 201 {object} util.Response{data=service.SessionView}
// @Router /api/quizzes/{id}/sessions [post]
func (c *QuizController) StartSession(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	quizID, ok := uintParam(ctx, "id")
	if !ok {
		return
	}

	view, err := c.QuizService.StartSession(ctx.Request.Context(), user.UserID, quizID)
	if err != nil {
		util.HandleServiceError(ctx, err)
		return
	}
	util.Created(ctx, view)
}

// @Summary 查询作答会话
// @Tags 测验
// @Produce json
// @Security ApiKeyAuth
// @Param sid path string true "会话ID"
// @Success 200 {object} util.Response{data=quiz.Snapshot}
// @Router /api/quiz-sessions/{sid} [get]
func (c *QuizController) GetSession(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	snap, err := c.QuizService.GetSession(ctx.Param("sid"), user.UserID)
	if err != nil {
		util.HandleServiceError(ctx, err)
		return
	}
	util.Success(ctx, snap)
}

type AnswerRequest struct {
	QuestionIndex *int `json:"questionIndex" binding:"required"`
	OptionIndex   *int `json:"optionIndex" binding:"required"`
}

// @Summary 选择答案
// @Tags 测验
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param sid path string true "会话ID"
// @Param body body AnswerRequest true "题目与选项下标"
// @Success 200 {object} util.Response{data=quiz.Snapshot}
// @Failure 409 {object} util.Response "已提交"
// @Router /api/quiz-sessions/{sid}/answers [put]
func (c *QuizController) Answer(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	var req AnswerRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	snap, err := c.QuizService.Answer(ctx.Param("sid"), user.UserID, *req.QuestionIndex, *req.OptionIndex)
	if err != nil {
		util.HandleServiceError(ctx, err)
		return
	}
	util.Success(ctx, snap)
}

// @Summary 提交作答会话
// @Description 重复提交返回首次提交的结果
// @Tags 测验
// @Produce json
// @Security ApiKeyAuth
// @Param sid path string true "会话ID"
// @Success 200 {object} SubmitResponse{data=quiz.Result}
// @Router /api/quiz-sessions/{sid}/submit [post]
func (c *QuizController) SubmitSession(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	res, err := c.QuizService.SubmitSession(ctx.Request.Context(), ctx.Param("sid"), user.UserID)
	if err != nil {
		util.HandleServiceError(ctx, err)
		return
	}
	respondResult(ctx, res)
}

// @Summary 作答历史
// @Tags 测验
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "测验ID"
// @Success 200 {object} util.Response{data=[]model.QuizAttempt}
// @Router /api/quizzes/{id}/attempts [get]
func (c *QuizController) ListAttempts(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	quizID, ok := uintParam(ctx, "id")
	if !ok {
		return
	}

	attempts, err := c.QuizService.ListAttempts(user.UserID, quizID)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, attempts)
}
