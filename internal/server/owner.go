package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	ownerdomain "github.com/smallbiznis/allotment/internal/owner/domain"
)

type createOwnerRequest struct {
	Key                 string `json:"key"`
	DisplayName         string `json:"display_name"`
	DefaultServiceLevel string `json:"default_service_level"`
}

func (s *Server) CreateOwner(c *gin.Context) {
	var req createOwnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ownerSvc.Create(c.Request.Context(), ownerdomain.CreateRequest{
		Key:                 strings.TrimSpace(req.Key),
		DisplayName:         strings.TrimSpace(req.DisplayName),
		DefaultServiceLevel: strings.TrimSpace(req.DefaultServiceLevel),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetOwner(c *gin.Context) {
	resp, err := s.ownerSvc.GetByKey(c.Request.Context(), strings.TrimSpace(c.Param("owner_key")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// RefreshPools reconciles the owner's pools with upstream and reports what changed.
func (s *Server) RefreshPools(c *gin.Context) {
	report, err := s.poolManager.RefreshPools(c.Request.Context(), strings.TrimSpace(c.Param("owner_key")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}

func (s *Server) ListPools(c *gin.Context) {
	pools, err := s.poolManager.ListPools(c.Request.Context(), strings.TrimSpace(c.Param("owner_key")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": pools})
}

func (s *Server) RegisterConsumer(c *gin.Context) {
	var req consumerdomain.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.OwnerKey = strings.TrimSpace(c.Param("owner_key"))
	req.Name = strings.TrimSpace(req.Name)

	resp, err := s.consumerSvc.Register(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}
