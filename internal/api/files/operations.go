package files

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/datashelf/gateway/internal/api/apierr"
	"github.com/datashelf/gateway/internal/db/models"
	"github.com/datashelf/gateway/internal/gateway"
)

// @Summary      Operation history
// @Description  Returns the caller's operation records, newest first. Records of deleted adapters are included.
// @Tags         Files
// @Security     Bearer
// @Produce      json
// @Param        limit      query  int     false  "Page size (1-100, default 50)"
// @Param        offset     query  int     false  "Records to skip"
// @Param        adapterId  query  string  false  "Only records for this adapter"
// @Success      200  {object}  map[string]interface{}  "operations, pagination"
// @Failure      400  {object}  map[string]interface{}  "Invalid paging parameters"
// @Router       /api/v1/files/operations [get]
func (h *Handlers) ListOperations(c *gin.Context) {
	owner, ok := apierr.Owner(c)
	if !ok {
		return
	}

	var q gateway.HistoryQuery
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			apierr.Invalid(c, "limit", "must be an integer")
			return
		}
		if n == 0 {
			apierr.Invalid(c, "limit", "must be between 1 and 100")
			return
		}
		q.Limit = n
	}
	if s := c.Query("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			apierr.Invalid(c, "offset", "must be an integer")
			return
		}
		q.Offset = n
	}
	if s := c.Query("adapterId"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			apierr.Invalid(c, "adapterId", "must be a valid UUID")
			return
		}
		q.AdapterID = &id
	}

	ops, page, err := h.svc.Operations(c.Request.Context(), owner, q)
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	out := make([]models.FileOperationResponse, len(ops))
	for i, op := range ops {
		out[i] = op.ToResponse()
	}
	c.JSON(http.StatusOK, gin.H{
		"operations": out,
		"pagination": page,
	})
}
