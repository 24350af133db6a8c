/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/


package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/waldocoin/waldo/config"
)

// KeyHeader carries the operator secret on every protected request.
const KeyHeader = "X-Waldo-Key"

const defaultLimiterTTL = 10 * time.Minute

func passThrough(c *gin.Context) {
	c.Next()
}

// newLimiter returns nil unless both the rate and the burst are configured.
func newLimiter(conf config.RateLimitConfig) *limiter.Limiter {
	if conf.RequestsPerSecond == nil || conf.Burst == nil {
		return nil
	}

	ttl := defaultLimiterTTL
	if conf.CleanupIntervalSec != nil {
		ttl = time.Duration(*conf.CleanupIntervalSec) * time.Second
	}

	lmt := tollbooth.NewLimiter(*conf.RequestsPerSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: ttl})
	lmt.SetBurst(*conf.Burst)
	lmt.SetMessageContentType("application/json; charset=utf-8")
	return lmt
}

// RateLimitMiddleware limits operator requests per client IP.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	lmt := newLimiter(conf.RateLimit)
	if lmt == nil {
		return passThrough
	}

	return func(c *gin.Context) {
		if httpError := tollbooth.LimitByRequest(lmt, c.Writer, c.Request); httpError != nil {
			logrus.WithField("client_ip", c.ClientIP()).Debug("request rate limited")
			c.AbortWithStatusJSON(httpError.StatusCode, gin.H{"error": httpError.Message})
			return
		}
		c.Next()
	}
}

// SecretKeyAuthMiddleware rejects requests that do not present secret in KeyHeader. An empty
// secret locks every protected route.
func SecretKeyAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Secret key is not configured"})
			return
		}

		presented := c.GetHeader(KeyHeader)
		switch {
		case presented == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing secret key"})
			return
		case subtle.ConstantTimeCompare([]byte(secret), []byte(presented)) != 1:
			logrus.WithField("client_ip", c.ClientIP()).Warn("rejected request with invalid secret key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid secret key"})
			return
		}

		c.Next()
	}
}

// RequestLogger writes one logrus entry per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logrus.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"client_ip": c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry.Error(c.Errors.String())
			return
		}
		entry.Debug("request served")
	}
}
