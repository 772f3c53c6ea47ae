package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// defaultEdgeURL can be overridden with the GOMOBI_EDGE env var or -addr flag.
const defaultEdgeURL = "http://localhost:8080"

func main() {
	addr := flag.String("addr", "", "edge base URL (e.g. http://localhost:8080)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-addr URL] skip-waiting|clear-cache|status|update\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	edgeURL := defaultEdgeURL
	if env := os.Getenv("GOMOBI_EDGE"); env != "" {
		edgeURL = strings.TrimRight(env, "/")
	}
	if *addr != "" {
		edgeURL = strings.TrimRight(*addr, "/")
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	var err error
	switch flag.Arg(0) {
	case "skip-waiting":
		err = postMessage(client, edgeURL, "SKIP_WAITING")
	case "clear-cache":
		err = postMessage(client, edgeURL, "CLEAR_CACHE")
	case "status":
		err = printJSON(client, edgeURL, http.MethodGet, "/__offline/status")
	case "update":
		err = printJSON(client, edgeURL, http.MethodPost, "/__offline/update")
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func postMessage(client *http.Client, base, typ string) error {
	b, err := json.Marshal(map[string]string{"type": typ})
	if err != nil {
		return err
	}
	resp, err := client.Post(base+"/__offline/message", "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	fmt.Printf("%s delivered\n", typ)
	return nil
}

func printJSON(client *http.Client, base, method, path string) error {
	req, err := http.NewRequest(method, base+path, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
}
