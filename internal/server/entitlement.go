package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	poolmanagerdomain "github.com/smallbiznis/allotment/internal/poolmanager/domain"
)

type bindByPoolsRequest struct {
	Pools []poolmanagerdomain.BindItem `json:"pools"`
}

func (s *Server) BindByPools(c *gin.Context) {
	var req bindByPoolsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ents, err := s.poolManager.EntitleByPools(c.Request.Context(), strings.TrimSpace(c.Param("consumer_uuid")), req.Pools)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": ents})
}

func (s *Server) Autobind(c *gin.Context) {
	var req poolmanagerdomain.AutobindRequest
	// An empty body binds against the installed products.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	req.ConsumerUUID = strings.TrimSpace(c.Param("consumer_uuid"))
	req.ServiceLevel = strings.TrimSpace(req.ServiceLevel)

	ents, err := s.poolManager.Autobind(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ents})
}

// HostAutobind binds pools to the host so that its guest can become compliant.
func (s *Server) HostAutobind(c *gin.Context) {
	ents, err := s.poolManager.HostAutobind(
		c.Request.Context(),
		strings.TrimSpace(c.Param("consumer_uuid")),
		strings.TrimSpace(c.Param("guest_uuid")),
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ents})
}

type adjustEntitlementRequest struct {
	Quantity int64 `json:"quantity"`
}

func (s *Server) AdjustEntitlement(c *gin.Context) {
	id, err := parseSnowflakeIDParam("id", c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req adjustEntitlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ent, err := s.poolManager.AdjustEntitlementQuantity(c.Request.Context(), id, req.Quantity)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ent})
}

func (s *Server) RevokeEntitlement(c *gin.Context) {
	id, err := parseSnowflakeIDParam("id", c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	n, err := s.poolManager.RevokeEntitlements(c.Request.Context(), []snowflake.ID{id})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if n == 0 {
		AbortWithError(c, ErrNotFound)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) RevokeAllEntitlements(c *gin.Context) {
	n, err := s.poolManager.RevokeAllEntitlements(c.Request.Context(), strings.TrimSpace(c.Param("consumer_uuid")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"revoked": n}})
}
