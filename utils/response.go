package utils

import (
	"errors"
	"net/http"

	"chat-sync/logger"
	"chat-sync/services"

	"github.com/gin-gonic/gin"
)

// RespondSuccess 200 返回数据，可附带响应头
func RespondSuccess(c *gin.Context, data interface{}, headers map[string]string) {
	RespondJSON(c, http.StatusOK, data, headers)
}

func RespondJSON(c *gin.Context, status int, data interface{}, headers map[string]string) {
	for k, v := range headers {
		c.Header(k, v)
	}
	c.JSON(status, data)
}

// RespondError writes a StoreError as {code,message,details,hint}. Anything
// else is logged and reported as a 500.
func RespondError(c *gin.Context, err error) {
	var se *services.StoreError
	if errors.As(err, &se) {
		c.AbortWithStatusJSON(se.Status, se)
		return
	}
	logger.Errorf("🔴 %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, &services.StoreError{
		Code:    "XX000",
		Message: "internal server error",
	})
}
