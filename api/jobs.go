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

// QueueAutomationJob accepts a job and hands it to the queue. Execution is
// asynchronous; the caller polls the idempotency record for the outcome.
func (a Api) QueueAutomationJob(c *gin.Context) {
	var newJob model2.QueueAutomationJob
	if err := c.ShouldBindJSON(&newJob); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	err := newJob.ValidateQueueAutomationJob()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	payload := newJob.ToPayload()
	if err := a.flowguard.Queue().Enqueue(c.Request.Context(), payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"idempotency_key": payload.IdempotencyKey,
		"status":          "queued",
	})
}

func (a Api) GetQueuedJob(c *gin.Context) {
	key, passed := c.Params.Get("idempotency_key")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idempotency_key is required. pass it in the route /:idempotency_key"})
		return
	}

	job, err := a.flowguard.Queue().GetJobFromQueue(key)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found in queue"})
		return
	}

	c.JSON(http.StatusOK, job)
}
