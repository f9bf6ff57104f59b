package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

var version = "dev"

// loadEnvFile reads ~/.querygate/env and sets any key=value pairs not
// already present in the process environment. This lets querygatectl
// work out of the box without shell profile configuration.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(home + "/.querygate/env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(strings.TrimSpace(k)) == "" {
			_ = os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("querygatectl %s\n", version)
	case "status":
		doStatus()
	case "query":
		doQuery(args)
	case "complexity":
		doComplexity(args)
	case "capabilities":
		doCapabilities()
	case "provider", "providers":
		doProviders(args)
	case "stats":
		doStats()
	case "simulate":
		doSimulate(args)
	case "alerts":
		doAlerts(args)
	case "logs":
		doLogs(args)
	case "audit":
		doAudit(args)
	case "vault":
		doVault(args)
	case "batch":
		doBatch(args)
	case "events":
		doEvents()
	case "tsdb":
		doTSDB(args)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `querygatectl — CLI for the QueryGate admin API

Usage: querygatectl <command> [arguments]

Environment:
  QUERYGATE_URL     Base URL (default: http://localhost:8080)

  ~/.querygate/env  Auto-sourced on startup. Explicit environment
                    variables take precedence.

Commands:
  status                      Show server and provider status
  query <text>                Route a query through the gateway
  complexity <text>           Score query complexity without dispatching
  capabilities                Show the capability union across providers

  provider list               List providers with runtime stats
  provider add <json>         Create or update a provider descriptor
  provider delete <name>      Take a provider offline

  stats                       Show aggregated gateway stats
  simulate <json>             Dry-run a routing decision ({"score":0.5} or {"query":"..."})

  alerts [--active]           List alerts
  alerts thresholds           Show alert thresholds
  alerts set <json>           Update alert thresholds
  alerts resolve <id>         Resolve an alert

  logs [--limit N]            Show request logs
  audit [--limit N]           Show audit logs

  vault status                Show vault state
  vault unlock <password>     Unlock the vault
  vault lock                  Lock the vault
  vault rotate <new-password> Rotate the vault master password

  batch <json>                Submit a query batch ({"queries":[{"query":"..."}]})
  batch list                  List recently completed batches
  batch breaker               Show the batch circuit breaker state

  events                      Stream real-time SSE events
  tsdb query <args>           Query telemetry (metric=...&provider=...)
  tsdb metrics                List telemetry metric names
  tsdb prune                  Prune telemetry past retention

  version                     Show version
  help                        Show this help

Examples:
  querygatectl query "summarize the plot of hamlet in two sentences"
  querygatectl complexity "write a regex that matches ipv6 addresses"
  querygatectl simulate '{"score":0.85,"metadata":{"budget":"0.01"}}'
  querygatectl provider add '{"name":"llama-2","supported_types":["local"],"max_concurrent":4,"model":"llama-3-8b","cost_efficiency":0.9}'
  querygatectl alerts set '{"error_rate":0.2}'
  querygatectl events
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("QUERYGATE_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, bodyJSON string) map[string]any {
	resp, err := doRequest("POST", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPut(path, bodyJSON string) map[string]any {
	resp, err := doRequest("PUT", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doDelete(path string) map[string]any {
	resp, err := doRequest("DELETE", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		var arr []any
		if err2 := json.Unmarshal(data, &arr); err2 == nil {
			return map[string]any{"items": arr}
		}
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: querygatectl %s\n", usage)
		os.Exit(1)
	}
}

func parseLimit(args []string) int {
	for i, a := range args {
		if a == "--limit" && i+1 < len(args) {
			n, _ := strconv.Atoi(args[i+1])
			if n > 0 {
				return n
			}
		}
	}
	return 50
}

// --- Commands ---

func doStatus() {
	resp, err := doRequest("GET", "/healthz", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	hData, _ := io.ReadAll(resp.Body)
	var h map[string]any
	_ = json.Unmarshal(hData, &h)

	status := "unknown"
	if s, ok := h["status"].(string); ok {
		status = s
	}
	fmt.Printf("Server:   %s\n", baseURL())
	fmt.Printf("Status:   %s\n", status)

	vault := doGet("/admin/v1/vault")
	vaultState := "disabled"
	if vault["enabled"] == true {
		vaultState = "unlocked"
		if vault["locked"] == true {
			vaultState = "locked"
		}
	}
	fmt.Printf("Vault:    %s\n", vaultState)

	data := doGet("/admin/v1/providers")
	providers, _ := data["providers"].([]any)
	fmt.Printf("Providers: %d\n", len(providers))
}

func doQuery(args []string) {
	requireArgs(args, 1, "query <text>")
	body := fmt.Sprintf(`{"query":%s}`, jsonStr(strings.Join(args, " ")))
	result := doPost("/v1/query", body)

	fmt.Printf("Request ID:  %v\n", result["request_id"])
	fmt.Printf("Model used:  %v\n", result["model_used"])
	fmt.Printf("Complexity:  %s\n", fmtNum(result["complexity_score"]))
	fmt.Printf("Cost:        %s\n", fmtCost(result["cost"]))
	fmt.Printf("Latency:     %s\n", fmtDuration(result["processing_time_ms"]))
	fmt.Printf("\n%v\n", result["response"])
}

func doComplexity(args []string) {
	requireArgs(args, 1, "complexity <text>")
	body := fmt.Sprintf(`{"query":%s}`, jsonStr(strings.Join(args, " ")))
	result := doPost("/v1/complexity", body)

	fmt.Printf("Score: %s\n", fmtNum(result["complexity_score"]))
	if factors, ok := result["complexity_factors"].([]any); ok && len(factors) > 0 {
		fmt.Printf("Factors: %s\n", joinAny(factors))
	}
}

func doCapabilities() {
	data := doGet("/v1/capabilities")
	caps, _ := data["capabilities"].([]any)
	fmt.Printf("Capabilities: %s\n", joinAny(caps))
	if byProv, ok := data["providers"].([]any); ok {
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "PROVIDER\tCAPABILITIES")
		for _, raw := range byProv {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			list, _ := entry["capabilities"].([]any)
			_, _ = fmt.Fprintf(tw, "%v\t%s\n", entry["provider_name"], joinAny(list))
		}
		_ = tw.Flush()
	}
}

func doProviders(args []string) {
	if len(args) == 0 || args[0] == "list" {
		data := doGet("/admin/v1/providers")
		providers, _ := data["providers"].([]any)
		if len(providers) == 0 {
			fmt.Println("No providers registered.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "NAME\tTYPES\tMODEL\tSTATUS\tINFLIGHT\tEMA LATENCY\tSUCCESS")
		for _, p := range providers {
			m, ok := p.(map[string]any)
			if !ok {
				continue
			}
			desc, _ := m["descriptor"].(map[string]any)
			name, _ := desc["name"].(string)
			types, _ := desc["supported_types"].([]any)
			model, _ := desc["model"].(string)
			status, _ := desc["status"].(string)
			inflight := fmtNum(m["inflight"])
			stats, _ := m["stats"].(map[string]any)
			lat := fmtDuration(stats["ema_latency_ms"])
			success := fmtNum(stats["ema_success_rate"])
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", name, joinAny(types), model, status, inflight, lat, success)
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "add":
		requireArgs(args, 2, "provider add <json>")
		result := doPost("/admin/v1/providers", args[1])
		if result["ok"] == true {
			fmt.Printf("Provider %v saved.\n", result["provider"])
		}
	case "delete":
		requireArgs(args, 2, "provider delete <name>")
		result := doDelete("/admin/v1/providers/" + args[1])
		if result["ok"] == true {
			fmt.Println("Provider taken offline.")
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown provider command: %s\n", args[0])
		os.Exit(1)
	}
}

func doStats() {
	data := doGet("/admin/v1/stats")
	fmt.Println(prettyJSON(data))
}

func doSimulate(args []string) {
	requireArgs(args, 1, "simulate <json>")
	result := doPost("/admin/v1/route/simulate", args[0])
	fmt.Println(prettyJSON(result))
}

func doAlerts(args []string) {
	if len(args) == 0 || args[0] == "--active" {
		path := "/admin/v1/alerts"
		if len(args) > 0 {
			path += "?active=true"
		}
		data := doGet(path)
		alerts, _ := data["alerts"].([]any)
		if len(alerts) == 0 {
			fmt.Println("No alerts.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tKIND\tSEVERITY\tSTATUS\tTIME\tMESSAGE")
		for _, a := range alerts {
			m, ok := a.(map[string]any)
			if !ok {
				continue
			}
			id, _ := m["id"].(string)
			kind, _ := m["kind"].(string)
			sev, _ := m["severity"].(string)
			status, _ := m["status"].(string)
			ts := fmtTime(m["timestamp"])
			msg, _ := m["message"].(string)
			if len(msg) > 60 {
				msg = msg[:57] + "..."
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", id, kind, sev, status, ts, msg)
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "thresholds":
		data := doGet("/admin/v1/alerts/thresholds")
		fmt.Println(prettyJSON(data))
	case "set":
		requireArgs(args, 2, "alerts set <json>")
		result := doPut("/admin/v1/alerts/thresholds", args[1])
		fmt.Println(prettyJSON(result))
	case "resolve":
		requireArgs(args, 2, "alerts resolve <id>")
		result := doPost("/admin/v1/alerts/"+args[1]+"/resolve", "{}")
		if result["ok"] == true {
			fmt.Println("Alert resolved.")
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown alerts command: %s\n", args[0])
		os.Exit(1)
	}
}

func doLogs(args []string) {
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/v1/logs?limit=%d", limit))
	logs, _ := data["logs"].([]any)
	if len(logs) == 0 {
		fmt.Println("No request logs.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tPROVIDER\tTYPE\tSCORE\tLATENCY\tCOST\tOK\tFALLBACK")
	for _, l := range logs {
		m, ok := l.(map[string]any)
		if !ok {
			continue
		}
		ts := fmtTime(m["timestamp"])
		prov, _ := m["provider"].(string)
		mt, _ := m["model_type"].(string)
		score := fmtNum(m["complexity"])
		lat := fmtDuration(m["latency_ms"])
		cost := fmtCost(m["cost_usd"])
		okCol := "yes"
		if m["success"] == false {
			okCol = "no"
		}
		fb := "-"
		if m["fallback"] == true {
			fb = "yes"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", ts, prov, mt, score, lat, cost, okCol, fb)
	}
	_ = tw.Flush()
}

func doAudit(args []string) {
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/v1/audit?limit=%d", limit))
	logs, _ := data["audit"].([]any)
	if len(logs) == 0 {
		fmt.Println("No audit logs.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tACTION\tRESOURCE\tREQUEST ID")
	for _, l := range logs {
		m, ok := l.(map[string]any)
		if !ok {
			continue
		}
		ts := fmtTime(m["timestamp"])
		action, _ := m["action"].(string)
		resource, _ := m["resource"].(string)
		reqID, _ := m["request_id"].(string)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ts, action, resource, reqID)
	}
	_ = tw.Flush()
}

func doVault(args []string) {
	requireArgs(args, 1, "vault <status|unlock|lock|rotate> [args]")
	switch args[0] {
	case "status":
		data := doGet("/admin/v1/vault")
		fmt.Println(prettyJSON(data))
	case "unlock":
		requireArgs(args, 2, "vault unlock <password>")
		body := fmt.Sprintf(`{"admin_password":%s}`, jsonStr(args[1]))
		result := doPost("/admin/v1/vault/unlock", body)
		if result["ok"] == true {
			fmt.Println("Vault unlocked.")
		}
	case "lock":
		result := doPost("/admin/v1/vault/lock", "{}")
		if result["ok"] == true {
			fmt.Println("Vault locked.")
		}
	case "rotate":
		requireArgs(args, 2, "vault rotate <new-password>")
		body := fmt.Sprintf(`{"new_admin_password":%s}`, jsonStr(args[1]))
		result := doPost("/admin/v1/vault/rotate", body)
		if result["ok"] == true {
			fmt.Println("Vault master password rotated.")
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown vault command: %s\n", args[0])
		os.Exit(1)
	}
}

func doBatch(args []string) {
	requireArgs(args, 1, "batch <json> | batch list | batch breaker")
	if args[0] == "breaker" {
		data := doGet("/admin/v1/batch/breaker")
		fmt.Println(prettyJSON(data))
		return
	}
	if args[0] == "list" {
		data := doGet("/admin/v1/batch")
		batches, _ := data["batches"].([]any)
		if len(batches) == 0 {
			fmt.Println("No batches.")
			return
		}
		fmt.Printf("%-38s %-8s %-10s %-8s %-10s %-10s %s\n",
			"BATCH", "QUERIES", "SUCCEEDED", "FAILED", "COST", "LATENCY", "MODE")
		for _, raw := range batches {
			b, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			mode := "workflow"
			if b["synchronous"] == true {
				mode = "sync"
			}
			fmt.Printf("%-38v %-8s %-10s %-8s %-10s %-10s %s\n",
				b["batch_id"], fmtNum(b["queries"]), fmtNum(b["succeeded"]),
				fmtNum(b["failed"]), fmtCost(b["total_cost_usd"]), fmtDuration(b["latency_ms"]), mode)
		}
		return
	}
	result := doPost("/admin/v1/batch", args[0])

	fmt.Printf("Batch:       %v\n", result["batch_id"])
	fmt.Printf("Succeeded:   %s\n", fmtNum(result["succeeded"]))
	fmt.Printf("Failed:      %s\n", fmtNum(result["failed"]))
	fmt.Printf("Total cost:  %s\n", fmtCost(result["total_cost_usd"]))
	fmt.Printf("Latency:     %s\n", fmtDuration(result["latency_ms"]))
	if result["synchronous"] == true {
		fmt.Println("Mode:        synchronous (no workflow engine)")
	} else {
		fmt.Println("Mode:        workflow")
	}
}

func doEvents() {
	resp, err := doRequest("GET", "/admin/v1/events", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()

	fmt.Println("Streaming events (Ctrl-C to stop)...")
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				line = strings.TrimSpace(line)
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				var evt map[string]any
				if json.Unmarshal([]byte(payload), &evt) != nil {
					continue
				}
				evtType, _ := evt["type"].(string)
				provider, _ := evt["provider"].(string)
				ts := time.Now().Format("15:04:05")
				switch evtType {
				case "dispatch_error", "batch_failed":
					errMsg, _ := evt["error_msg"].(string)
					fmt.Printf("[%s] %s  provider=%s error=%s\n", ts, evtType, provider, errMsg)
				case "alert_raised", "alert_resolved":
					kind, _ := evt["alert_kind"].(string)
					sev, _ := evt["severity"].(string)
					fmt.Printf("[%s] %s  kind=%s severity=%s\n", ts, evtType, kind, sev)
				default:
					lat := fmtDuration(evt["latency_ms"])
					score := fmtNum(evt["score"])
					fmt.Printf("[%s] %s  provider=%s score=%s latency=%s\n", ts, evtType, provider, score, lat)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				fmt.Println("Event stream closed.")
			}
			break
		}
	}
}

func doTSDB(args []string) {
	requireArgs(args, 1, "tsdb <query|metrics|prune> [args]")
	switch args[0] {
	case "metrics":
		data := doGet("/admin/v1/tsdb/metrics")
		fmt.Println(prettyJSON(data))
	case "prune":
		result := doPost("/admin/v1/tsdb/prune", "{}")
		fmt.Println(prettyJSON(result))
	case "query":
		qs := ""
		if len(args) > 1 {
			qs = "?" + strings.Join(args[1:], "&")
		}
		data := doGet("/admin/v1/tsdb/query" + qs)
		fmt.Println(prettyJSON(data))
	default:
		fmt.Fprintf(os.Stderr, "unknown tsdb command: %s\n", args[0])
		os.Exit(1)
	}
}

// --- Formatting helpers ---

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return strconv.Itoa(int(n))
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fmtCost(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f == 0 {
			return "free"
		}
		return fmt.Sprintf("$%.4f", f)
	}
	return fmt.Sprintf("%v", v)
}

func fmtDuration(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f < 1000 {
			return fmt.Sprintf("%.0fms", f)
		}
		return fmt.Sprintf("%.1fs", f/1000)
	}
	return fmt.Sprintf("%v", v)
}

func fmtTime(v any) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		return s
	}
	return fmt.Sprintf("%v", v)
}

func jsonStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func joinAny(list []any) string {
	parts := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ",")
}

func init() {
	http.DefaultTransport.(*http.Transport).DisableKeepAlives = true
	http.DefaultClient.Timeout = 30 * time.Second
}
