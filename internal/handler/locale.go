package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/pawtrack/internal/locale"
)

const localeContextKey = "__request_locale"

// LocaleMiddleware resolves the response language once per request.
func (a *API) LocaleMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		language := locale.Resolve(c.Query("lang"), c.GetHeader("Accept-Language"))
		c.Set(localeContextKey, language)
		c.Header("Content-Language", language)
		appendVaryHeader(c, "Accept-Language")
		c.Next()
	}
}

func requestLanguage(c *gin.Context) string {
	if cached, exists := c.Get(localeContextKey); exists {
		if language, ok := cached.(string); ok {
			return language
		}
	}
	return locale.Resolve(c.Query("lang"), c.GetHeader("Accept-Language"))
}

func appendVaryHeader(c *gin.Context, header string) {
	existing := c.Writer.Header().Get("Vary")
	if existing == "" {
		c.Header("Vary", header)
		return
	}
	c.Header("Vary", existing+", "+header)
}
