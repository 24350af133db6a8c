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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"
	"github.com/waldocoin/waldo/config"
)

func protectedRouter(secret string) *gin.Engine {
	r := gin.New()
	r.Use(SecretKeyAuthMiddleware(secret))
	r.GET("/records", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestSecretKeyAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name         string
		secret       string
		apiKey       string
		expectedCode int
	}{
		{name: "Valid key", secret: "operator-key", apiKey: "operator-key", expectedCode: http.StatusOK},
		{name: "Wrong key", secret: "operator-key", apiKey: "guess", expectedCode: http.StatusUnauthorized},
		{name: "Missing key", secret: "operator-key", apiKey: "", expectedCode: http.StatusUnauthorized},
		{name: "Secret not configured", secret: "", apiKey: "operator-key", expectedCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/records", nil)
			if tt.apiKey != "" {
				req.Header.Set(KeyHeader, tt.apiKey)
			}
			resp := httptest.NewRecorder()
			protectedRouter(tt.secret).ServeHTTP(resp, req)

			assert.Equal(t, tt.expectedCode, resp.Code)
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	conf := &config.Configuration{RateLimit: config.RateLimitConfig{RequestsPerSecond: ptr.Float64(1), Burst: ptr.Int(1)}}

	r := gin.New()
	r.Use(RateLimitMiddleware(conf))
	r.GET("/status", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RateLimitMiddleware(&config.Configuration{}))
	r.GET("/status", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 5; i++ {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/status", nil))
		assert.Equal(t, http.StatusOK, resp.Code)
	}
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hook := test.NewGlobal()
	defer hook.Reset()
	level := logrus.GetLevel()
	logrus.SetLevel(logrus.DebugLevel)
	defer logrus.SetLevel(level)

	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/records/:id", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/records/ABC", nil))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "/records/:id", entry.Data["path"])
	assert.Equal(t, http.StatusNotFound, entry.Data["status"])
	assert.Equal(t, http.MethodGet, entry.Data["method"])
}
