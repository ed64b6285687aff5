package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"

	resourceAbout = "viewonly://about"
	resourceState = "viewonly://state"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			resourceAbout,
			"View-only Guard About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info and usage notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			resourceState,
			"View-only State",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Current view-only mode, control panel placement, preferences and recent notices."),
		),
		s.handleStateResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"viewonly://audit/{predicate}{?limit}",
			"Audit Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Most recent audit facts of one predicate, recorded or derived."),
		),
		s.handleAuditResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonContents(request.Params.URI, map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"notes": []string{
			"Resources are read-only; use the toggle/enable/disable-view-only tools to change the mode.",
			"View-only mode blocks editing input on the attached editor page. It is not a security boundary.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	})
}

func (s *Server) handleStateResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload, err := s.status()
	if err != nil {
		return nil, err
	}
	return jsonContents(request.Params.URI, payload)
}

func (s *Server) handleAuditResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.engine == nil {
		return nil, fmt.Errorf("audit engine unavailable")
	}
	predicate := argString(request.Params.Arguments["predicate"])
	if predicate == "" {
		return nil, fmt.Errorf("missing predicate")
	}
	limit := 25
	if raw := argString(request.Params.Arguments["limit"]); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	limit = clampLimit(limit)

	// Derived predicates have no buffered facts; evaluate them instead.
	facts := recentFacts(s.engine, predicate, limit)
	if len(facts) == 0 {
		derived, err := s.engine.Evaluate(ctx, predicate)
		if err != nil {
			return nil, err
		}
		if len(derived) > limit {
			derived = derived[len(derived)-limit:]
		}
		facts = derived
	}
	return jsonContents(request.Params.URI, map[string]interface{}{
		"predicate": predicate,
		"limit":     limit,
		"count":     len(facts),
		"facts":     facts,
	})
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}
