// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes is the HTTP companion to the NDJSON stream: intent
// classification and message routing for front-ends that want to decide
// before committing to a full query, plus health and Prometheus
// endpoints.
package routes

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/quartermaster-ai/quartermaster/services/orchestrator"
	"github.com/quartermaster-ai/quartermaster/services/orchestrator/datatypes"
	"github.com/quartermaster-ai/quartermaster/services/pipeline"
)

// classifyRequest is the body of POST /classify_intent and
// POST /route_message.
type classifyRequest struct {
	Message          string   `json:"message" binding:"required"`
	UserID           string   `json:"user_id"`
	ChannelID        string   `json:"channel_id"`
	HasAttachments   bool     `json:"has_attachments"`
	IsMentioned      bool     `json:"is_mentioned"`
	RecentMessages   []string `json:"recent_messages"`
	PreviousQuestion string   `json:"previous_question"`
	PreviousAnswer   string   `json:"previous_answer"`
}

func (r classifyRequest) analyzerContext() pipeline.AnalyzerContext {
	return pipeline.AnalyzerContext{
		HasAttachments:   r.HasAttachments,
		IsMentioned:      r.IsMentioned,
		RecentMessages:   r.RecentMessages,
		PreviousQuestion: r.PreviousQuestion,
		PreviousAnswer:   r.PreviousAnswer,
	}
}

// NewRouter builds the gin engine with all companion routes mounted.
func NewRouter(engine *orchestrator.Engine) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("quartermaster-http"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/classify_intent", func(c *gin.Context) {
		var req classifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		analysis, err := engine.Analyzer().Analyze(c.Request.Context(), req.Message, req.analyzerContext())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, analysis)
	})

	// route_message runs the same analysis but answers only the routing
	// decision, for front-ends that dispatch to their own handlers.
	router.POST("/route_message", func(c *gin.Context) {
		var req classifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		analysis, err := engine.Analyzer().Analyze(c.Request.Context(), req.Message, req.analyzerContext())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"routing":        analysis.Routing,
			"should_respond": analysis.ShouldRespond,
			"confidence":     analysis.Confidence,
			"is_casual":      analysis.IsCasual,
		})
	})

	// get_metrics reports ledger-level counters as JSON, distinct from the
	// Prometheus exposition on /metrics.
	router.GET("/get_metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"tracked_users": engine.Ledger().UserCount(),
			"audit_entries": engine.Ledger().AuditLen(),
		})
	})

	router.POST("/query", func(c *gin.Context) {
		var params datatypes.QueryParams
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := engine.Query(c.Request.Context(), &params)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	return router
}
