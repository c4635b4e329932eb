package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	runner := os.Getenv("EXTRUN_URL")
	if runner == "" {
		runner = "http://localhost:8080"
	}
	apiKey := os.Getenv("EXTRUN_API_KEY")

	switch os.Args[1] {
	case "health":
		cmdHealth(runner)
	case "warmup":
		cmdWarmup(runner, apiKey)
	case "execute":
		cmdExecute(runner, apiKey)
	case "version":
		fmt.Printf("runnerctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Extension Runner CLI v` + version + `

Usage: runnerctl <command> [args]

Commands:
  health                                  Check runner liveness
  warmup <sha256:hash>                    Pre-extract a bundle's UI cache
  execute <tenant> <ext> <sha256:hash> [body-file]
                                          Invoke an extension handler
  version                                 Print version

Environment:
  EXTRUN_URL      Runner base URL (default http://localhost:8080)
  EXTRUN_API_KEY  Runner API key, sent as x-api-key`)
}

func cmdHealth(runner string) {
	resp, err := http.Get(runner + "/healthz")
	if err != nil {
		fatal("health check failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("%d %s\n", resp.StatusCode, string(body))
}

func cmdWarmup(runner, apiKey string) {
	if len(os.Args) < 3 {
		fatal("usage: runnerctl warmup <sha256:hash>")
	}
	payload, _ := json.Marshal(map[string]string{"content_hash": os.Args[2]})
	out := post(runner+"/warmup", apiKey, payload)
	fmt.Println(string(out))
}

func cmdExecute(runner, apiKey string) {
	if len(os.Args) < 5 {
		fatal("usage: runnerctl execute <tenant> <ext> <sha256:hash> [body-file]")
	}
	tenant, ext, hash := os.Args[2], os.Args[3], os.Args[4]

	var bodyB64 string
	if len(os.Args) > 5 {
		raw, err := os.ReadFile(os.Args[5])
		if err != nil {
			fatal("read body file: %v", err)
		}
		bodyB64 = base64.StdEncoding.EncodeToString(raw)
	}

	req := map[string]any{
		"context": map[string]any{
			"tenant_id":    tenant,
			"extension_id": ext,
			"content_hash": hash,
		},
		"http": map[string]any{
			"method":   "POST",
			"path":     "/",
			"body_b64": bodyB64,
		},
		"limits":    map[string]any{"timeout_ms": 5000},
		"providers": []string{"cap:context.read", "cap:log.emit"},
	}
	payload, _ := json.Marshal(req)
	out := post(runner+"/v1/execute", apiKey, payload)
	fmt.Println(string(out))
}

func post(url, apiKey string, payload []byte) []byte {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		fatal("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}

	client := &http.Client{Timeout: 90 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fatal("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d\n", resp.StatusCode)
	}
	return body
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
