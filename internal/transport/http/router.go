package http

import (
	"github.com/gin-gonic/gin"
	apphttp "github.com/kolapay/payment-service/http"
	"github.com/kolapay/payment-service/internal/config"
	"github.com/kolapay/payment-service/internal/replay"
	"github.com/kolapay/payment-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(payments *service.PaymentService, pipeline *service.Pipeline, guard *replay.Guard, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(apphttp.LoggingMiddleware(log))
	r.Use(apphttp.RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, payments, pipeline, apphttp.ReplayGuardMiddleware(guard))
	return r
}
