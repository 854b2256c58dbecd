package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
)

func (s *Server) GetConsumer(c *gin.Context) {
	resp, err := s.consumerSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("consumer_uuid")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateConsumer(c *gin.Context) {
	var req consumerdomain.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.consumerSvc.UpdateFacts(c.Request.Context(), strings.TrimSpace(c.Param("consumer_uuid")), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type setHostRequest struct {
	HostUUID string `json:"host_uuid"`
}

// SetConsumerHost records which hypervisor currently runs the guest.
func (s *Server) SetConsumerHost(c *gin.Context) {
	var req setHostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	hostUUID := strings.TrimSpace(req.HostUUID)
	if hostUUID == "" {
		AbortWithError(c, newValidationError("host_uuid", "required", "host_uuid is required"))
		return
	}

	if err := s.consumerSvc.SetHost(c.Request.Context(), strings.TrimSpace(c.Param("consumer_uuid")), hostUUID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) GetComplianceStatus(c *gin.Context) {
	status, err := s.complianceSvc.StatusByUUID(c.Request.Context(), strings.TrimSpace(c.Param("consumer_uuid")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}
