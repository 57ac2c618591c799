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

// loadEnvFile reads ~/.ditrouter/env (written by a daemon launcher) and sets
// any key=value pairs not already present in the process environment. This
// lets ditctl work out of the box without shell profile configuration.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(home + "/.ditrouter/env")
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
		fmt.Printf("ditctl %s\n", version)
	case "exec":
		doExec(args)
	case "stats":
		doStats(args)
	case "stats-history":
		doStatsHistory(args)
	case "router":
		doRouter(args)
	case "expert", "experts":
		doExperts(args)
	case "apikey", "apikeys":
		doAPIKeys(args)
	case "vault":
		doVault(args)
	case "admin-token":
		doAdminToken()
	case "rotate-admin-token":
		doRotateAdminToken(args)
	case "health":
		doHealth()
	case "logs":
		doLogs(args)
	case "audit":
		doAudit(args)
	case "tsdb":
		doTSDB(args)
	case "events":
		doEvents()
	case "status":
		doStatus()
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
	_, _ = fmt.Fprintf(w, `ditctl — CLI for the ditrouter HTTP API

Usage: ditctl <command> [arguments]

Environment:
  DITROUTER_URL         Base URL (default: http://localhost:8080)
  DITROUTER_API_KEY     X-API-Key for /v1/* endpoints
  DITROUTER_ADMIN_TOKEN Bearer token for /admin/v1/* endpoints

  ~/.ditrouter/env      Auto-sourced on startup. Explicit environment
                        variables take precedence.

Commands:
  exec <query>                Dispatch a query through the router
  stats                       Show per-expert and global stats
  stats-history [--window W]  Show aggregated stats history

  router get                  Show the active routing strategy
  router set <json>           Hot-swap the routing strategy

  expert list                 List registered experts
  expert add <json>           Register a bus- or http-backed expert
  expert delete <id>          Remove an expert from the live table

  apikey list                 List API keys
  apikey create <json>        Create a new API key
  apikey rotate <id>          Rotate an API key
  apikey edit <id> <json>     Patch an API key
  apikey delete <id>          Delete an API key

  vault unlock <password>     Unlock the vault
  vault lock                  Lock the vault
  vault rotate <old> <new>    Rotate the vault password

  admin-token                 Print the admin token (env or file)
  rotate-admin-token [token]  Rotate admin token (random if no token given)

  health                      Show per-expert health states
  logs [--limit N]            Show request logs
  audit [--limit N]           Show audit logs
  tsdb query <args>           Query the time-series store
  tsdb metrics                List time-series metric names
  events                      Stream real-time admin events (SSE)

  status                      Show server health and expert counts
  version                     Show version
  help                        Show this help

Examples:
  ditctl exec "route this query"
  ditctl expert add '{"expert_id":"worker-a","kind":"bus","descriptors":["billing"]}'
  ditctl router set '{"strategy":"domain","base_strategy":"round_robin"}'
  ditctl apikey create '{"name":"my-app","scopes":"[\"exec\",\"stats\"]"}'
  ditctl events
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("DITROUTER_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func apiKey() string {
	return os.Getenv("DITROUTER_API_KEY")
}

func adminToken() string {
	return os.Getenv("DITROUTER_ADMIN_TOKEN")
}

func doRequest(method, path string, body io.Reader, admin bool) (*http.Response, error) {
	url := baseURL() + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		if tok := adminToken(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	} else if key := apiKey(); key != "" {
		req.Header.Set("X-API-Key", key)
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string, admin bool) map[string]any {
	resp, err := doRequest("GET", path, nil, admin)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, bodyJSON string, admin bool) map[string]any {
	resp, err := doRequest("POST", path, strings.NewReader(bodyJSON), admin)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPatch(path, bodyJSON string, admin bool) map[string]any {
	resp, err := doRequest("PATCH", path, strings.NewReader(bodyJSON), admin)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doDelete(path string, admin bool) map[string]any {
	resp, err := doRequest("DELETE", path, nil, admin)
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
		fmt.Fprintf(os.Stderr, "usage: ditctl %s\n", usage)
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

func parseWindow(args []string) string {
	for i, a := range args {
		if a == "--window" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return "5m"
}

func jsonStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// --- Commands ---

func doExec(args []string) {
	requireArgs(args, 1, "exec <query>")
	body := fmt.Sprintf(`{"query":%s}`, jsonStr(strings.Join(args, " ")))
	result := doPost("/v1/exec", body, false)
	fmt.Println(prettyJSON(result))
}

func doStats(args []string) {
	data := doGet("/v1/stats", false)
	fmt.Println(prettyJSON(data))
}

func doStatsHistory(args []string) {
	window := parseWindow(args)
	data := doGet("/v1/stats/history?window="+window, false)
	fmt.Println(prettyJSON(data))
}

func doRouter(args []string) {
	if len(args) == 0 || args[0] == "get" {
		data := doGet("/v1/router", false)
		fmt.Println(prettyJSON(data))
		return
	}
	switch args[0] {
	case "set":
		requireArgs(args, 2, "router set <json>")
		result := doPost("/v1/router", args[1], false)
		fmt.Println(prettyJSON(result))
	default:
		fmt.Fprintf(os.Stderr, "unknown router command: %s\n", args[0])
		os.Exit(1)
	}
}

func doExperts(args []string) {
	if len(args) == 0 || args[0] == "list" {
		data := doGet("/v1/experts", false)
		items, _ := data["items"].([]any)
		if items == nil {
			if es, ok := data["experts"].([]any); ok {
				items = es
			}
		}
		if len(items) == 0 {
			fmt.Println("No experts registered.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "EXPERT ID\tKIND")
		for _, it := range items {
			m, _ := it.(map[string]any)
			id, _ := m["expert_id"].(string)
			if s, ok := it.(string); ok {
				id = s
			}
			kind, _ := m["kind"].(string)
			_, _ = fmt.Fprintf(tw, "%s\t%s\n", id, kind)
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "add":
		requireArgs(args, 2, "expert add <json>")
		result := doPost("/v1/experts", args[1], false)
		fmt.Println(prettyJSON(result))
	case "delete":
		requireArgs(args, 2, "expert delete <id>")
		result := doDelete("/v1/experts/"+args[1], false)
		fmt.Println(prettyJSON(result))
	default:
		fmt.Fprintf(os.Stderr, "unknown expert command: %s\n", args[0])
		os.Exit(1)
	}
}

func doAPIKeys(args []string) {
	if len(args) == 0 || args[0] == "list" {
		data := doGet("/admin/v1/apikeys", true)
		keys, _ := data["keys"].([]any)
		if keys == nil {
			if items, ok := data["items"].([]any); ok {
				keys = items
			}
		}
		if len(keys) == 0 {
			fmt.Println("No API keys.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tSCOPES\tENABLED\tCREATED\tLAST USED")
		for _, k := range keys {
			m, _ := k.(map[string]any)
			id, _ := m["id"].(string)
			name, _ := m["name"].(string)
			prefix, _ := m["key_prefix"].(string)
			scopes, _ := m["scopes"].(string)
			enabled := "yes"
			if m["enabled"] == false {
				enabled = "no"
			}
			created := fmtTime(m["created_at"])
			lastUsed := fmtTime(m["last_used_at"])
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", id, name, prefix, scopes, enabled, created, lastUsed)
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "create":
		requireArgs(args, 2, "apikey create <json>")
		result := doPost("/admin/v1/apikeys", args[1], true)
		if result["ok"] == true {
			key, _ := result["key"].(string)
			id, _ := result["id"].(string)
			fmt.Printf("API key created.\n  ID:  %s\n  Key: %s\n", id, key)
			fmt.Println("\n  Save this key now — it will not be shown again.")
		}
	case "rotate":
		requireArgs(args, 2, "apikey rotate <id>")
		result := doPost("/admin/v1/apikeys/"+args[1]+"/rotate", "{}", true)
		if result["ok"] == true {
			key, _ := result["key"].(string)
			fmt.Printf("API key rotated.\n  New key: %s\n", key)
			fmt.Println("\n  Save this key now — it will not be shown again.")
		}
	case "edit":
		requireArgs(args, 3, "apikey edit <id> <json>")
		result := doPatch("/admin/v1/apikeys/"+args[1], args[2], true)
		if result["ok"] == true {
			fmt.Println("API key updated.")
		}
	case "delete":
		requireArgs(args, 2, "apikey delete <id>")
		result := doDelete("/admin/v1/apikeys/"+args[1], true)
		if result["ok"] == true {
			fmt.Println("API key deleted.")
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown apikey command: %s\n", args[0])
		os.Exit(1)
	}
}

func doVault(args []string) {
	requireArgs(args, 1, "vault <unlock|lock|rotate> [args]")
	switch args[0] {
	case "unlock":
		requireArgs(args, 2, "vault unlock <password>")
		body := fmt.Sprintf(`{"admin_password":%s}`, jsonStr(args[1]))
		result := doPost("/admin/v1/vault/unlock", body, true)
		if result["ok"] == true {
			fmt.Println("Vault unlocked.")
		}
	case "lock":
		result := doPost("/admin/v1/vault/lock", "{}", true)
		if result["ok"] == true {
			if result["already_locked"] == true {
				fmt.Println("Vault was already locked.")
			} else {
				fmt.Println("Vault locked.")
			}
		}
	case "rotate":
		requireArgs(args, 3, "vault rotate <old-password> <new-password>")
		body := fmt.Sprintf(`{"old_password":%s,"new_password":%s}`, jsonStr(args[1]), jsonStr(args[2]))
		result := doPost("/admin/v1/vault/rotate", body, true)
		if result["ok"] == true {
			fmt.Println("Vault password rotated.")
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown vault command: %s\n", args[0])
		os.Exit(1)
	}
}

func doAdminToken() {
	if tok := os.Getenv("DITROUTER_ADMIN_TOKEN"); tok != "" {
		fmt.Println(tok)
		return
	}
	home, _ := os.UserHomeDir()
	if home != "" {
		if data, err := os.ReadFile(home + "/.ditrouter/.admin-token"); err == nil {
			if tok := strings.TrimSpace(string(data)); tok != "" {
				fmt.Println(tok)
				return
			}
		}
	}
	fmt.Fprintln(os.Stderr, "admin token not found — set DITROUTER_ADMIN_TOKEN or check the daemon's data directory")
	os.Exit(1)
}

func doRotateAdminToken(args []string) {
	var body string
	if len(args) > 0 {
		body = fmt.Sprintf(`{"token":%s}`, jsonStr(args[0]))
	} else {
		body = "{}"
	}
	result := doPost("/admin/v1/admin-token/rotate", body, true)
	ok, _ := result["ok"].(bool)
	token, _ := result["token"].(string)
	if !ok || token == "" {
		fmt.Fprintln(os.Stderr, "rotation failed:", result)
		os.Exit(1)
	}
	fmt.Println("Admin token rotated.")
	fmt.Println("New token:", token)
}

func doHealth() {
	data := doGet("/admin/v1/health", true)
	experts, _ := data["experts"].([]any)
	if experts == nil {
		if items, ok := data["items"].([]any); ok {
			experts = items
		}
	}
	if len(experts) == 0 {
		fmt.Println("No expert health data available.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "EXPERT\tSTATE\tCONSEC_ERR\tAVG LATENCY\tLAST SUCCESS\tLAST ERROR")
	for _, p := range experts {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["expert_id"].(string)
		state, _ := m["state"].(string)
		errs := fmtNum(m["consec_errors"])
		lat := fmtDuration(m["avg_latency_ms"])
		lastOK := fmtTime(m["last_success_at"])
		lastErr, _ := m["last_error"].(string)
		if len(lastErr) > 60 {
			lastErr = lastErr[:57] + "..."
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", id, state, errs, lat, lastOK, lastErr)
	}
	_ = tw.Flush()
}

func doLogs(args []string) {
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/v1/logs?limit=%d", limit), true)
	logs, _ := data["logs"].([]any)
	if logs == nil {
		if items, ok := data["items"].([]any); ok {
			logs = items
		}
	}
	if len(logs) == 0 {
		fmt.Println("No request logs.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tEXPERT\tSTATUS\tLATENCY\tERROR CLASS\tREQUEST ID")
	for _, l := range logs {
		m, _ := l.(map[string]any)
		ts := fmtTime(m["timestamp"])
		expertID, _ := m["expert_id"].(string)
		status, _ := m["status"].(string)
		lat := fmtDuration(m["latency_ms"])
		errClass, _ := m["error_class"].(string)
		reqID, _ := m["request_id"].(string)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", ts, expertID, status, lat, errClass, reqID)
	}
	_ = tw.Flush()
}

func doAudit(args []string) {
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/v1/audit?limit=%d", limit), true)
	logs, _ := data["logs"].([]any)
	if logs == nil {
		if items, ok := data["items"].([]any); ok {
			logs = items
		}
	}
	if len(logs) == 0 {
		fmt.Println("No audit logs.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tACTION\tRESOURCE\tREQUEST ID")
	for _, l := range logs {
		m, _ := l.(map[string]any)
		ts := fmtTime(m["timestamp"])
		action, _ := m["action"].(string)
		resource, _ := m["resource"].(string)
		reqID, _ := m["request_id"].(string)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ts, action, resource, reqID)
	}
	_ = tw.Flush()
}

func doTSDB(args []string) {
	requireArgs(args, 1, "tsdb <query|metrics> [args]")
	switch args[0] {
	case "metrics":
		data := doGet("/admin/v1/tsdb/metrics", true)
		fmt.Println(prettyJSON(data))
	case "query":
		qs := ""
		if len(args) > 1 {
			qs = "?" + strings.Join(args[1:], "&")
		}
		data := doGet("/admin/v1/tsdb/query"+qs, true)
		fmt.Println(prettyJSON(data))
	default:
		fmt.Fprintf(os.Stderr, "unknown tsdb command: %s\n", args[0])
		os.Exit(1)
	}
}

func doEvents() {
	resp, err := doRequest("GET", "/admin/v1/events", nil, true)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()

	fmt.Println("Streaming events (Ctrl-C to stop)...")
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			lines := strings.Split(string(buf[:n]), "\n")
			for _, line := range lines {
				line = strings.TrimSpace(line)
				if strings.HasPrefix(line, "data:") {
					payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
					var evt map[string]any
					if json.Unmarshal([]byte(payload), &evt) == nil {
						evtType, _ := evt["type"].(string)
						expertID, _ := evt["expert_id"].(string)
						reason, _ := evt["reason"].(string)
						ts := time.Now().Format("15:04:05")
						fmt.Printf("[%s] %s  expert=%s reason=%s\n", ts, evtType, expertID, reason)
					}
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

func doStatus() {
	healthResp, err := doRequest("GET", "/healthz", nil, false)
	fatal(err)
	defer func() { _ = healthResp.Body.Close() }()
	hData, _ := io.ReadAll(healthResp.Body)
	var h map[string]any
	_ = json.Unmarshal(hData, &h)

	status := "unknown"
	if s, ok := h["status"].(string); ok {
		status = s
	}
	experts := 0
	if n, ok := h["experts"].(float64); ok {
		experts = int(n)
	}

	fmt.Printf("Server:  %s\n", baseURL())
	fmt.Printf("Status:  %s\n", status)
	fmt.Printf("Experts: %d\n", experts)
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

func init() {
	http.DefaultTransport.(*http.Transport).DisableKeepAlives = true
	http.DefaultClient.Timeout = 30 * time.Second
}
