package quiz

import (
	"math"
	"opencourse_backend/internal/model"
)

// Score 计算得分：round(correct / total * 100)，未作答视为错误。
// 题目为空时返回 0 分并标记 dataError，不做除法。
func Score(questions []model.Question, answers map[int]int) (correct, total, score int, dataError bool) {
	total = len(questions)
	if total == 0 {
		return 0, 0, 0, true
	}

	for i, q := range questions {
		if ans, ok := answers[i]; ok && ans == q.CorrectAnswer {
			correct++
		}
	}

	score = int(math.Round(float64(correct) / float64(total) * 100))
	return correct, total, score, false
}

// ValidateAnswer 校验题目下标与选项下标是否越界
func ValidateAnswer(questions []model.Question, questionIndex, optionIndex int) bool {
	if questionIndex < 0 || questionIndex >= len(questions) {
		return false
	}
	q := questions[questionIndex]
	n := len(q.Options)
	if q.Type == model.QuestionTrueFalse && n == 0 {
		n = 2
	}
	return optionIndex >= 0 && optionIndex < n
}
