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
	"net/http"

	model2 "github.com/flowguard-io/flowguard/api/model"

	"github.com/gin-gonic/gin"
)

func (a Api) ActivateKillSwitch(c *gin.Context) {
	var req model2.KillSwitch
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateKillSwitch(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := a.flowguard.ActivateKillSwitch(c.Request.Context(), req.TenantID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	scope := "global"
	if req.TenantID != "" {
		scope = "tenant"
	}
	c.JSON(http.StatusOK, gin.H{"active": true, "scope": scope})
}

func (a Api) DeactivateKillSwitch(c *gin.Context) {
	var req model2.KillSwitch
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateKillSwitch(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := a.flowguard.DeactivateKillSwitch(c.Request.Context(), req.TenantID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"active": false})
}

func (a Api) GetIdempotencyRecord(c *gin.Context) {
	key, passed := c.Params.Get("key")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required. pass key in the route /:key"})
		return
	}

	record, err := a.flowguard.GetIdempotencyRecord(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no record for key"})
		return
	}

	c.JSON(http.StatusOK, record)
}

func (a Api) ClearIdempotencyRecord(c *gin.Context) {
	key, passed := c.Params.Get("key")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required. pass key in the route /:key"})
		return
	}

	existed, err := a.flowguard.ClearIdempotencyRecord(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cleared": existed})
}
