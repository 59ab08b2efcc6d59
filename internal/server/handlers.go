package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/x402rail/facilitator/facilitator"
)

// verifyRequestBody is the shared body shape for POST /verify and /settle.
type verifyRequestBody struct {
	PaymentPayload      facilitator.PaymentPayload      `json:"paymentPayload" binding:"required"`
	PaymentRequirements facilitator.PaymentRequirements `json:"paymentRequirements" binding:"required"`
}

func (s *Server) handleVerify(c *gin.Context) {
	var req verifyRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	result, err := s.registry.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.respondMechanismError(c, err, func(reason string) {
			s.metrics.RecordVerify(req.PaymentRequirements.Network, req.PaymentRequirements.Scheme, false)
			c.JSON(http.StatusOK, facilitator.VerifyResponse{IsValid: false, InvalidReason: reason})
		})
		return
	}

	s.metrics.RecordVerify(req.PaymentRequirements.Network, req.PaymentRequirements.Scheme, result.IsValid)
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSettle(c *gin.Context) {
	var req verifyRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	result, err := s.registry.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.respondMechanismError(c, err, func(reason string) {
			s.metrics.RecordSettle(req.PaymentRequirements.Network, req.PaymentRequirements.Scheme, false)
			c.JSON(http.StatusUnprocessableEntity, facilitator.SettleResponse{
				Success:     false,
				ErrorReason: reason,
				Network:     facilitator.Network(req.PaymentRequirements.Network),
			})
		})
		return
	}

	s.metrics.RecordSettle(req.PaymentRequirements.Network, req.PaymentRequirements.Scheme, result.Success)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

// respondMechanismError distinguishes a classified VerifyError/SettleError
// (rendered as a structured, non-fatal response via onClassified) from an
// unexpected system error (rendered as 500).
func (s *Server) respondMechanismError(c *gin.Context, err error, onClassified func(reason string)) {
	switch e := err.(type) {
	case *facilitator.VerifyError:
		onClassified(e.Reason)
	case *facilitator.SettleError:
		onClassified(e.Reason)
	default:
		s.logger.Error("mechanism_error", "err", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "details": err.Error()})
	}
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.GetSupported())
}

func (s *Server) handleDiscoveryList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	typeFilter := c.Query("type")

	items, total := s.catalog.List(limit, offset, typeFilter)
	if items == nil {
		items = []facilitator.DiscoveryRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"x402Version": 2,
		"items":       items,
		"pagination": gin.H{
			"limit":  limit,
			"offset": offset,
			"total":  total,
		},
	})
}

func (s *Server) handleVerifySchema(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"description": "POST a {paymentPayload, paymentRequirements} body to verify a payment off-chain.",
		"body": gin.H{
			"paymentPayload":      "PaymentPayload",
			"paymentRequirements": "PaymentRequirements",
		},
		"response": gin.H{"isValid": "bool", "invalidReason": "string?", "payer": "string?"},
	})
}

func (s *Server) handleSettleSchema(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"description": "POST a {paymentPayload, paymentRequirements} body to settle a payment on-chain.",
		"body": gin.H{
			"paymentPayload":      "PaymentPayload",
			"paymentRequirements": "PaymentRequirements",
		},
		"response": gin.H{"success": "bool", "transaction": "string", "network": "string", "payer": "string?", "errorReason": "string?"},
	})
}

func (s *Server) handleInfo(c *gin.Context) {
	relayer := s.fabric.RelayerAddress().Hex()

	resp := gin.H{
		"relayerAddress": relayer,
		"uptime":         s.health.Uptime().String(),
	}

	if chainID := c.Query("chainId"); chainID != "" {
		network := "eip155:" + chainID
		balance, err := s.fabric.GetBalance(c.Request.Context(), network, relayer, "")
		if err != nil {
			c.JSON(http.StatusOK, gin.H{
				"relayerAddress": relayer,
				"uptime":         s.health.Uptime().String(),
				"network":        network,
				"error":          err.Error(),
			})
			return
		}
		resp["network"] = network
		resp["balance"] = balance.String()
	}

	c.JSON(http.StatusOK, resp)
}
