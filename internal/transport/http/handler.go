package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kolapay/payment-service/internal/model"
	"github.com/kolapay/payment-service/internal/provider"
	"github.com/kolapay/payment-service/internal/repo"
	"github.com/kolapay/payment-service/internal/service"
	"github.com/shopspring/decimal"
)

func RegisterHandlers(r *gin.Engine, payments *service.PaymentService, pipeline *service.Pipeline, guarded gin.HandlerFunc) {
	v1 := r.Group("/v1")
	{
		v1.POST("/payments", guarded, initiateHandler(payments))
		v1.GET("/payments/:id", statusHandler(payments))
	}
	r.POST("/webhooks/:provider", webhookHandler(pipeline))
}

type initiateReq struct {
	UserID    string `json:"user_id" binding:"required"`
	Provider  string `json:"provider" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Currency  string `json:"currency" binding:"required"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	Narrative string `json:"narrative"`
}

func initiateHandler(svc *service.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req initiateReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		tx, err := svc.Initiate(c, service.InitiateParams{
			UserID:    req.UserID,
			Provider:  model.Provider(req.Provider),
			Amount:    amt,
			Currency:  req.Currency,
			Phone:     req.Phone,
			Email:     req.Email,
			Narrative: req.Narrative,
		})
		switch {
		case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrUnknownProvider):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case errors.Is(err, service.ErrProviderUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, transactionView(tx))
	}
}

func statusHandler(svc *service.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tx, err := svc.GetTransaction(c, c.Param("id"))
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, transactionView(tx))
	}
}

// webhookHandler acknowledges once the event is durably deduplicated;
// resolution failures after that point must not trigger provider
// redelivery storms.
func webhookHandler(pipeline *service.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		user, pass, _ := c.Request.BasicAuth()
		cb := provider.CallbackRequest{
			Body:      body,
			Signature: c.GetHeader("verif-hash"),
			SourceIP:  c.ClientIP(),
			BasicUser: user,
			BasicPass: pass,
		}
		err = pipeline.Ingest(c, model.Provider(c.Param("provider")), cb)
		switch {
		case errors.Is(err, service.ErrUnknownProvider):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrUnauthenticated):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "verification failed"})
		case errors.Is(err, service.ErrDedupeUnavailable):
			// non-success so the provider retries later
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusOK, gin.H{"status": "accepted"})
		}
	}
}

func transactionView(tx *model.Transaction) gin.H {
	out := gin.H{
		"id":                 tx.ID,
		"provider":           tx.Provider,
		"amount":             tx.Amount,
		"currency":           tx.Currency,
		"status":             tx.Status,
		"provider_reference": tx.ProviderReference,
		"webhook_received":   tx.WebhookReceived,
		"created_at":         tx.CreatedAt,
	}
	if tx.ProviderTransactionID != nil {
		out["provider_transaction_id"] = *tx.ProviderTransactionID
	}
	if tx.FailureReason != nil {
		out["failure_reason"] = *tx.FailureReason
	}
	if tx.ConfirmedAt != nil {
		out["confirmed_at"] = *tx.ConfirmedAt
	}
	if tx.FailedAt != nil {
		out["failed_at"] = *tx.FailedAt
	}
	return out
}
