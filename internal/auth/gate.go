package auth

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/unlimited2api/internal/config"
	"github.com/xiaopang/unlimited2api/internal/metrics"
	"github.com/xiaopang/unlimited2api/internal/model"
)

const ctxClientInfo = "client_info"

// ClientFrom 从请求上下文取出客户端身份，Gate 之后总是非 nil
func ClientFrom(c *gin.Context) *model.ClientInfo {
	if v, ok := c.Get(ctxClientInfo); ok {
		if info, ok := v.(*model.ClientInfo); ok {
			return info
		}
	}
	return &model.ClientInfo{IP: c.ClientIP()}
}

// extractKey 从 Authorization 头（Bearer 或裸值）或 api-key 查询参数取密钥
func extractKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.Query("api-key")
}

// Gate 认证与限速中间件。
// 未启用密钥保护时仅按 IP 限速；启用时先校验密钥再按密钥策略限速。
func Gate(reg *Registry, limiter *Limiter, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()

		if !cfg.Server.KeyProtection {
			if cfg.RateLimit.Enabled {
				if ok, retryAfter := limiter.Allow("ip:" + ip); !ok {
					rejectRateLimited(c, retryAfter)
					return
				}
			}
			c.Set(ctxClientInfo, &model.ClientInfo{IP: ip})
			c.Next()
			return
		}

		key := extractKey(c)
		policy, err := reg.Validate(key)
		if err != nil {
			rejectAuth(c, err)
			return
		}

		switch policy.RateMode {
		case model.RateModeNoLimit:
			// 免限速
		case model.RateModeLimit:
			limit := policy.CustomRate
			if limit <= 0 {
				limit = cfg.RateLimit.MaxRate
			}
			if ok, retryAfter := limiter.AllowN(key+":"+ip, limit); !ok {
				rejectRateLimited(c, retryAfter)
				return
			}
		default:
			if cfg.RateLimit.Enabled {
				if ok, retryAfter := limiter.AllowN(key+":"+ip, cfg.RateLimit.MaxRate); !ok {
					rejectRateLimited(c, retryAfter)
					return
				}
			}
		}

		c.Set(ctxClientInfo, &model.ClientInfo{
			IP:      ip,
			Key:     key,
			KeyName: policy.Name,
		})
		c.Next()
	}
}

func rejectAuth(c *gin.Context, err error) {
	detail := model.ErrorDetail{Type: "authentication_error"}
	switch {
	case errors.Is(err, ErrKeyMissing):
		detail.Message = "Missing API key"
		detail.Code = "missing_api_key"
	case errors.Is(err, ErrKeyExpired):
		detail.Message = "API key expired"
		detail.Code = "expired_api_key"
	default:
		detail.Message = "Invalid API key"
		detail.Code = "invalid_api_key"
	}
	c.AbortWithStatusJSON(401, model.ErrorResponse{Error: detail})
}

func rejectRateLimited(c *gin.Context, retryAfter time.Duration) {
	metrics.RateLimitedTotal.Inc()
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", fmt.Sprintf("%d", seconds))
	c.AbortWithStatusJSON(429, model.ErrorResponse{Error: model.ErrorDetail{
		Message: fmt.Sprintf("Rate limit exceeded, retry after %d seconds", seconds),
		Type:    "rate_limit_error",
		Code:    "rate_limit_exceeded",
	}})
}
