// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/strait/services/backends"
	"github.com/AleutianAI/strait/services/gateway/datatypes"
	"github.com/AleutianAI/strait/services/gateway/observability"
)

// ListModels serves the aggregated model catalog. Every id is qualified
// with its backend's routing prefix so clients can address a backend by
// model name alone.
func ListModels(models *backends.ModelsCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		ctx, span := chatTracer.Start(c.Request.Context(), "ListModels")
		defer span.End()

		success := false
		defer func() {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordRequest(observability.EndpointModels, success)
				m.RecordDuration(observability.EndpointModels, time.Since(startTime).Seconds(), success)
			}
		}()

		ids, err := models.List(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "model listing failed")
			slog.Error("Model listing failed", "error", err)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(observability.EndpointModels, observability.ErrorCodeUpstream)
			}
			c.JSON(http.StatusBadGateway, datatypes.NewErrorResponse(
				"model listing failed", "api_error", "upstream_error"))
			return
		}

		span.SetAttributes(attribute.Int("models.count", len(ids)))
		c.JSON(http.StatusOK, datatypes.NewModelList(ids))
		success = true
	}
}
