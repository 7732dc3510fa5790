/*
Copyright 2025 FlowGuard Authors.

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
	"github.com/flowguard-io/flowguard/config"

	"github.com/flowguard-io/flowguard/api/middleware"

	"github.com/flowguard-io/flowguard"
	"github.com/gin-gonic/gin"
)

type Api struct {
	flowguard *flowguard.FlowGuard
	router    *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/automation/jobs", a.QueueAutomationJob)
	router.GET("/automation/jobs/:idempotency_key", a.GetQueuedJob)

	router.POST("/kill-switch/activate", a.ActivateKillSwitch)
	router.POST("/kill-switch/deactivate", a.DeactivateKillSwitch)

	router.GET("/idempotency/:key", a.GetIdempotencyRecord)
	router.DELETE("/idempotency/:key", a.ClearIdempotencyRecord)

	router.POST("/rules", a.CreateRule)
	router.PUT("/rules/:id/disable", a.DisableRule)

	router.GET("/audit/:tenant_id", a.GetAuditTrail)
	return a.router
}

func NewAPI(f *flowguard.FlowGuard) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	r.GET("/health", func(c *gin.Context) {
		status := f.HealthCheck(c.Request.Context())
		code := 200
		if !status.StoreReachable {
			code = 503
		}
		c.JSON(code, status)
	})

	return &Api{flowguard: f, router: r}
}
