package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// DeletePool removes the pool along with every pool derived from it.
func (s *Server) DeletePool(c *gin.Context) {
	id, err := parseSnowflakeIDParam("id", c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	n, err := s.poolManager.DeletePools(c.Request.Context(), []snowflake.ID{id})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if n == 0 {
		AbortWithError(c, ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deleted": n}})
}

// DeletePools takes a comma separated ids query parameter.
func (s *Server) DeletePools(c *gin.Context) {
	ids, err := parseSnowflakeIDs("ids", c.Query("ids"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if len(ids) == 0 {
		AbortWithError(c, newValidationError("ids", "required", "ids is required"))
		return
	}

	n, err := s.poolManager.DeletePools(c.Request.Context(), ids)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deleted": n}})
}
