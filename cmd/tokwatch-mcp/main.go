package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// statusResponse mirrors the Tokwatch status API response.
type statusResponse struct {
	Run *struct {
		RunID            string         `json:"run_id"`
		Phase            string         `json:"phase"`
		TargetsQueued    int            `json:"targets_queued"`
		TargetsProcessed int            `json:"targets_processed"`
		RecordsInserted  int            `json:"records_inserted"`
		RecordsUpdated   int            `json:"records_updated"`
		RecordsDuplicate int            `json:"records_duplicate"`
		FailuresByKind   map[string]int `json:"failures_by_kind"`
	} `json:"run"`
	PoolStats struct {
		Capacity    int `json:"capacity"`
		Active      int `json:"active"`
		Idle        int `json:"idle"`
		CoolingDown int `json:"cooling_down"`
		Rotations   int `json:"rotations"`
	} `json:"pool_stats"`
	NextRunAt string `json:"next_run_at"`
}

func main() {
	apiURL := os.Getenv("TOKWATCH_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}

	s := server.NewMCPServer(
		"tokwatch",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	statusTool := mcp.NewTool("get_status",
		mcp.WithDescription("Get the current scrape run status: phase, target and record counters, failure breakdown, session pool utilisation, and the next scheduled run time."),
	)
	s.AddTool(statusTool, handleGetStatus(apiURL))

	summaryTool := mcp.NewTool("get_last_summary",
		mcp.WithDescription("Get the summary of the most recently finished scrape run: records inserted/updated/duplicate, failures by kind, and duration."),
	)
	s.AddTool(summaryTool, handleGetSummary(apiURL))

	triggerTool := mcp.NewTool("trigger_run",
		mcp.WithDescription("Start the next scrape run immediately instead of waiting for the scheduled interval."),
	)
	s.AddTool(triggerTool, handleTriggerRun(apiURL))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// apiGet sends a GET request to the Tokwatch API and returns the body.
func apiGet(ctx context.Context, client *http.Client, apiURL, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	return body, resp.StatusCode, err
}

func handleGetStatus(apiURL string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 10 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		body, _, err := apiGet(ctx, client, apiURL, "/api/v1/status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var status statusResponse
		if err := json.Unmarshal(body, &status); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
		}

		var result string
		if status.Run == nil {
			result = "No run has started yet.\n"
		} else {
			r := status.Run
			result = fmt.Sprintf("Run %s: %s\nTargets: %d processed of %d queued\nRecords: %d inserted, %d updated, %d duplicate\n",
				r.RunID, r.Phase, r.TargetsProcessed, r.TargetsQueued,
				r.RecordsInserted, r.RecordsUpdated, r.RecordsDuplicate)
			for kind, count := range r.FailuresByKind {
				result += fmt.Sprintf("Failures %s: %d\n", kind, count)
			}
		}
		p := status.PoolStats
		result += fmt.Sprintf("Sessions: %d/%d active, %d idle, %d cooling down, %d identity rotations\n",
			p.Active, p.Capacity, p.Idle, p.CoolingDown, p.Rotations)
		if status.NextRunAt != "" {
			result += "Next run at: " + status.NextRunAt + "\n"
		}
		return mcp.NewToolResultText(result), nil
	}
}

func handleGetSummary(apiURL string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 10 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		body, code, err := apiGet(ctx, client, apiURL, "/api/v1/summary")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if code == http.StatusNotFound {
			return mcp.NewToolResultText("No finished run yet."), nil
		}

		// The summary is already a clean JSON document; pretty-print it.
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, body, "", "  "); err != nil {
			return mcp.NewToolResultText(string(body)), nil
		}
		return mcp.NewToolResultText(pretty.String()), nil
	}
}

func handleTriggerRun(apiURL string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 10 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/api/v1/runs", nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("create request: %v", err)), nil
		}

		resp, err := client.Do(req)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("API request failed: %v", err)), nil
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			return mcp.NewToolResultError(fmt.Sprintf("trigger returned status %d", resp.StatusCode)), nil
		}
		return mcp.NewToolResultText("Run triggered."), nil
	}
}
