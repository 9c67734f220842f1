package controllers

import (
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"chat-sync/middlewares"
	"chat-sync/services"
	"chat-sync/utils"

	"github.com/gin-gonic/gin"
)

// SelectRows GET /rest/v1/:table
func (h *Handlers) SelectRows(c *gin.Context) {
	q, err := services.ParseQuery(c.Request.URL.Query())
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	q.Count = strings.Contains(c.GetHeader("Prefer"), "count=exact")

	rows, total, err := h.Rows.Select(c.Request.Context(), middlewares.UserID(c), c.Param("table"), q)
	if err != nil {
		utils.RespondError(c, err)
		return
	}

	var headers map[string]string
	if q.Count {
		headers = map[string]string{"Content-Range": contentRange(reflect.ValueOf(rows).Len(), total)}
	}
	utils.RespondSuccess(c, rows, headers)
}

// contentRange 形如 0-9/42，无数据时 */42
func contentRange(n int, total int64) string {
	if n == 0 {
		return fmt.Sprintf("*/%d", total)
	}
	return fmt.Sprintf("0-%d/%d", n-1, total)
}

// InsertRow POST /rest/v1/:table
func (h *Handlers) InsertRow(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	row, err := h.Rows.Insert(c.Request.Context(), middlewares.UserID(c), c.Param("table"), body)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusCreated, row, nil)
}

// DeleteRows DELETE /rest/v1/:table
func (h *Handlers) DeleteRows(c *gin.Context) {
	q, err := services.ParseQuery(c.Request.URL.Query())
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	if err := h.Rows.Delete(c.Request.Context(), middlewares.UserID(c), c.Param("table"), q); err != nil {
		utils.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
