package handler

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pawtrack/internal/locale"
	"github.com/pawtrack/internal/recurrence"
	"github.com/pawtrack/internal/service"
)

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// bindJSON 绑定请求体，失败时返回 400 并列出未通过校验的字段
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		body := gin.H{"error": locale.Message(requestLanguage(c), locale.MsgInvalidPayload)}

		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]gin.H, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, gin.H{"field": fe.Field(), "rule": fe.Tag()})
			}
			body["fields"] = fields
		}

		c.AbortWithStatusJSON(http.StatusBadRequest, body)
		return false
	}
	return true
}

// respondServiceError 把服务层错误映射为 HTTP 状态码
func respondServiceError(c *gin.Context, err error) {
	language := requestLanguage(c)

	var verr *recurrence.ValidationError
	switch {
	case errors.Is(err, service.ErrRuleNotFound):
		respondError(c, http.StatusNotFound, locale.Message(language, locale.MsgRuleNotFound))
	case errors.Is(err, service.ErrEventNotFound):
		respondError(c, http.StatusNotFound, locale.Message(language, locale.MsgEventNotFound))
	case errors.Is(err, service.ErrInvalidEventStatus):
		respondError(c, http.StatusBadRequest, locale.Message(language, locale.MsgInvalidStatus))
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  locale.Message(language, locale.MsgInvalidRule),
			"field":  verr.Field,
			"detail": verr.Reason,
		})
	default:
		log.Printf("[handler] %s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.Error(err)
		respondError(c, http.StatusInternalServerError, locale.Message(language, locale.MsgInternalError))
	}
}

func queryBool(c *gin.Context, key string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(c.Query(key)))
	return err == nil && parsed
}

func queryInt(c *gin.Context, key string) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(c.Query(key)))
	if err != nil {
		return 0
	}
	return parsed
}
