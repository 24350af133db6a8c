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

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/waldocoin/waldo"
	"github.com/waldocoin/waldo/api/middleware"
	"github.com/waldocoin/waldo/config"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Api struct {
	waldo  *waldo.Waldo
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.GET("/status", a.GetStatus)

	router.GET("/records/:id", a.GetRecord)
	router.GET("/records", a.GetRecords)

	router.GET("/audit", a.GetAudit)
	router.GET("/calculate", a.Calculate)
	router.POST("/reconcile", a.Reconcile)

	return a.router
}

func NewAPI(w *waldo.Waldo) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware(conf.Server.SecretKey))
	}

	return &Api{waldo: w, router: r}
}
