package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all runner tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerRuns(s, client)
	registerRunDetail(s, client)
	registerRunActions(s, client)
	registerContracts(s, client)
	registerRenameRun(s, client)
	registerDeleteRun(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("inkrunner_status",
		gomcp.WithDescription("Get the active (or last) fleet run: operation, accounts finished, success/failure/no-result counts."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Runner unreachable: %v\n\nIs inkrunner running with -listen?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("inkrunner_health",
		gomcp.WithDescription("Health check for the runner. Checks Ethereum Sepolia and Ink Sepolia RPC connectivity."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Runner unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerRuns(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("inkrunner_runs",
		gomcp.WithDescription("List past fleet runs with outcome totals (paginated, favorites first)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)

		raw, err := client.Get(fmt.Sprintf("/v1/runs?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Listing runs failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRuns(raw)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("inkrunner_run_detail",
		gomcp.WithDescription("Get one fleet run by ID with its per-account action outcomes."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get("/v1/runs/" + url.PathEscape(id))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	})
}

func registerRunActions(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("inkrunner_run_actions",
		gomcp.WithDescription("Page through the action results of a run in account order."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Max actions to return (default: 50, max: 1000)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		limit := req.GetInt("limit", 50)
		offset := req.GetInt("offset", 0)

		path := fmt.Sprintf("/v1/runs/%s/actions?limit=%d&offset=%d", url.PathEscape(id), limit, offset)
		raw, err := client.Get(path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run actions failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatActionsPage(raw)), nil
	})
}

func registerContracts(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("inkrunner_contracts",
		gomcp.WithDescription("List contracts the runner has deployed on a chain."),
		gomcp.WithNumber("chain_id",
			gomcp.Description("Chain ID (default: 763373, Ink Sepolia)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		chainID := req.GetInt("chain_id", 763373)
		raw, err := client.Get(fmt.Sprintf("/v1/contracts?chainId=%d", chainID))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Listing contracts failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatContracts(raw, chainID)), nil
	})
}

func registerRenameRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("inkrunner_rename_run",
		gomcp.WithDescription("Set a run's custom name and/or favorite flag. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
		gomcp.WithString("name",
			gomcp.Description("New custom name"),
		),
		gomcp.WithBoolean("favorite",
			gomcp.Description("Pin the run to the top of the history"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}

		payload := map[string]any{}
		if name := req.GetString("name", ""); name != "" {
			payload["customName"] = name
		}
		if args := req.GetArguments(); args != nil {
			if fav, ok := args["favorite"].(bool); ok {
				payload["isFavorite"] = fav
			}
		}
		if len(payload) == 0 {
			return gomcp.NewToolResultError("name or favorite is required"), nil
		}

		if _, err := client.Patch("/v1/runs/"+url.PathEscape(id), payload); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Update failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Updated"),
			kv("ID", id),
		)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("inkrunner_delete_run",
		gomcp.WithDescription("Delete a run and its action results. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete("/v1/runs/" + url.PathEscape(id)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	})
}

// Response formatting functions

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	if getStr(m, "id") == "" {
		return joinLines(section("Runner Status"), kv("Status", "idle"), "No run has started yet.")
	}

	return joinLines(
		section("Runner Status"),
		kv("Run", getStr(m, "id")),
		kv("Operation", getStr(m, "operation")),
		kv("Status", getStr(m, "status")),
		kv("Started", formatTime(getStr(m, "startedAt"))),
		kv("Accounts", fmt.Sprintf("%s / %s finished", formatNumber(getNum(m, "finished")), formatNumber(getNum(m, "accounts")))),
		outcomeLines(m),
		errorLine(m, "error"),
	)
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := section("Runner Health: " + state)

	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			check, ok := c.(map[string]any)
			if !ok {
				continue
			}
			line := fmt.Sprintf("  %-22s %s (%dms)", getStr(check, "name"), getStr(check, "status"), int64(getNum(check, "latency_ms")))
			if errMsg := getStr(check, "error"); errMsg != "" {
				line += " - " + errMsg
			}
			lines += "\n" + line
		}
	}

	return lines
}

func formatRuns(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing runs: %v", err)
	}

	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatNumber(getNum(m, "total"))),
	) + "\n\n"

	runs, ok := m["runs"].([]any)
	if !ok || len(runs) == 0 {
		return lines + "No runs found."
	}

	for _, r := range runs {
		run, ok := r.(map[string]any)
		if !ok {
			continue
		}
		title := getStr(run, "id")
		if name := getStr(run, "customName"); name != "" {
			title = name + " (" + title + ")"
		}
		if fav, _ := run["isFavorite"].(bool); fav {
			title += " *"
		}

		lines += "### " + title + "\n"
		lines += joinLines(
			kv("Operation", getStr(run, "operation")),
			kv("Status", getStr(run, "status")),
			kv("Accounts", formatNumber(getNum(run, "accounts"))),
			outcomeLines(run),
			kv("Started", formatTime(getStr(run, "startedAt"))),
			durationLine(run),
		)
		lines += "\n\n"
	}

	return lines
}

func formatRunDetail(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing run: %v", err)
	}

	run, ok := m["run"].(map[string]any)
	if !ok {
		return "Run not found."
	}

	lines := joinLines(
		section("Run "+getStr(run, "id")),
		kv("Operation", getStr(run, "operation")),
		kv("Status", getStr(run, "status")),
		kv("Accounts", formatNumber(getNum(run, "accounts"))),
		outcomeLines(run),
		kv("Started", formatTime(getStr(run, "startedAt"))),
		durationLine(run),
		errorLine(run, "errorMessage"),
	)

	if env, ok := run["environment"].(map[string]any); ok {
		lines += "\n\n" + joinLines(
			section("Settings"),
			kv("Tx Delay (s)", getStr(env, "txDelay")),
			kv("Account Delay (s)", getStr(env, "accountDelay")),
			kv("Proxies", formatNumber(getNum(env, "proxies"))),
		)
	}

	actions, _ := m["actions"].([]any)
	lines += "\n\n" + section("Actions") + "\n" + formatActionRows(actions)
	return lines
}

func formatActionsPage(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing actions: %v", err)
	}
	actions, _ := m["actions"].([]any)
	return joinLines(
		section("Actions"),
		kv("Total", formatNumber(getNum(m, "total"))),
		kv("Showing", fmt.Sprintf("%d from offset %s", len(actions), formatNumber(getNum(m, "offset")))),
	) + "\n" + formatActionRows(actions)
}

func formatActionRows(actions []any) string {
	if len(actions) == 0 {
		return "No actions recorded."
	}
	var lines []string
	for _, a := range actions {
		action, ok := a.(map[string]any)
		if !ok {
			continue
		}
		line := fmt.Sprintf("  Account %-4d %-16s %-9s", int(getNum(action, "accountIndex"))+1, getStr(action, "kind"), getStr(action, "outcome"))
		if hash := getStr(action, "txHash"); hash != "" {
			line += " " + hash
		}
		if addr := getStr(action, "contractAddress"); addr != "" {
			line += " -> " + addr
		}
		if detail := getStr(action, "detail"); detail != "" {
			line += " (" + detail + ")"
		}
		lines = append(lines, line)
	}
	return joinLines(lines...)
}

func formatContracts(raw json.RawMessage, chainID int) string {
	var contracts []map[string]any
	if err := json.Unmarshal(raw, &contracts); err != nil {
		return fmt.Sprintf("Error parsing contracts: %v", err)
	}

	lines := joinLines(
		section(fmt.Sprintf("Deployed Contracts (chain %d)", chainID)),
		kv("Total", formatNumber(len(contracts))),
	)
	for _, c := range contracts {
		lines += "\n" + fmt.Sprintf("  %-14s %s owner=%s", getStr(c, "kind"), getStr(c, "address"), getStr(c, "owner"))
	}
	return lines
}

func outcomeLines(m map[string]any) string {
	success := getNum(m, "success")
	failure := getNum(m, "failure")
	noResult := getNum(m, "noResult")

	rate := "n/a"
	if total := success + failure + noResult; total > 0 {
		rate = formatPct(success / total * 100)
	}
	return joinLines(
		kv("Success", formatNumber(success)),
		kv("Failure", formatNumber(failure)),
		kv("No Result", formatNumber(noResult)),
		kv("Success Rate", rate),
	)
}

func durationLine(m map[string]any) string {
	if ms := getNum(m, "durationMs"); ms > 0 {
		return kv("Duration", formatDuration(ms))
	}
	return ""
}

func errorLine(m map[string]any, key string) string {
	if msg := getStr(m, key); msg != "" {
		return kv("Error", msg)
	}
	return ""
}

func formatTime(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.Format("2006-01-02 15:04:05")
}

func getStr(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}
