// Command bridgectl is the operator CLI for an already-running bridge
// daemon: it calls the HTTP control plane's /api/status and /api/send
// endpoints. Flag handling follows the flag.String/flag.Bool/flag.Parse
// style of alfa/cmd/alfa/main.go.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

func main() {
	var (
		addr     = flag.String("addr", "http://127.0.0.1:8787", "bridge daemon control plane address")
		token    = flag.String("token", os.Getenv("BRIDGE_ADMIN_TOKEN"), "admin token (defaults to BRIDGE_ADMIN_TOKEN)")
		format   = flag.String("format", "json", "output format for status: json or yaml")
		asClient = flag.String("as", "", "send: client identity to send as")
		to       = flag.String("to", "", "send: recipient client identity")
		msgType  = flag.String("type", "message", "send: envelope type tag")
		payload  = flag.String("payload", "null", "send: JSON payload literal")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	switch cmd := flag.Arg(0); cmd {
	case "status":
		runStatus(client, *addr, *token, *format)
	case "send":
		runSend(client, *addr, *token, *asClient, *to, *msgType, *payload)
	default:
		fmt.Fprintf(os.Stderr, "bridgectl: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: bridgectl [flags] <status|send>")
	flag.PrintDefaults()
}

type clientStatus struct {
	ID        string   `json:"id" yaml:"id"`
	CanSendTo []string `json:"canSendTo" yaml:"canSendTo"`
}

type statusOutput struct {
	Ts         time.Time      `json:"ts" yaml:"ts"`
	SocketPath string         `json:"socketPath" yaml:"socketPath"`
	Active     map[string]int `json:"active" yaml:"active"`
	Queued     map[string]int `json:"queued" yaml:"queued"`
	Clients    []clientStatus `json:"clients" yaml:"clients"`
}

func runStatus(client *http.Client, addr, token, format string) {
	body := doRequest(client, http.MethodGet, addr+"/api/status", token, nil)

	var status statusOutput
	if err := json.Unmarshal(body, &status); err != nil {
		fatalf("bridgectl: failed to parse status response: %v", err)
	}

	switch format {
	case "yaml":
		out, err := yaml.Marshal(status)
		if err != nil {
			fatalf("bridgectl: failed to render yaml: %v", err)
		}
		os.Stdout.Write(out)
	case "json":
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			fatalf("bridgectl: failed to render json: %v", err)
		}
		fmt.Println(string(out))
	default:
		fatalf("bridgectl: unknown format %q (want json or yaml)", format)
	}
}

func runSend(client *http.Client, addr, token, asClient, to, msgType, payload string) {
	if asClient == "" || to == "" {
		fatalf("bridgectl: send requires -as and -to")
	}

	var raw json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		fatalf("bridgectl: -payload is not valid JSON: %v", err)
	}

	reqBody, err := json.Marshal(map[string]any{
		"asClient": asClient,
		"to":       to,
		"type":     msgType,
		"payload":  raw,
	})
	if err != nil {
		fatalf("bridgectl: failed to encode send request: %v", err)
	}

	body := doRequest(client, http.MethodPost, addr+"/api/send", token, bytes.NewReader(reqBody))
	fmt.Println(string(body))
}

func doRequest(client *http.Client, method, url, token string, body io.Reader) []byte {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		fatalf("bridgectl: failed to build request: %v", err)
	}
	if token != "" {
		req.Header.Set("x-bridge-token", token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		fatalf("bridgectl: request to %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fatalf("bridgectl: failed to read response body: %v", err)
	}
	if resp.StatusCode >= 300 {
		fatalf("bridgectl: %s %s returned %d: %s", method, url, resp.StatusCode, string(data))
	}
	return data
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
