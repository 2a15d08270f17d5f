package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("ABI_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	adminToken := os.Getenv("ABI_ADMIN_TOKEN")

	switch os.Args[1] {
	case "enroll":
		cmdEnroll(baseURL, adminToken)
	case "revoke":
		cmdRevoke(baseURL, adminToken)
	case "keys":
		cmdKeys(baseURL, adminToken)
	case "runtime":
		cmdRuntime(baseURL, adminToken)
	case "seed":
		cmdSeed(baseURL, adminToken)
	case "version":
		fmt.Printf("abictl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`ABI operator CLI v` + version + `

Usage: abictl <command> [flags]

Commands:
  enroll    Generate an Ed25519 keypair and register the AE
  revoke    Revoke an AE's key
  keys      List registered keys
  runtime   Show the runtime registry (live/stale/dead/all)
  seed      Enroll a batch of demo AEs for local testing
  version   Print version
  help      Show this help

Environment:
  ABI_URL          Broker URL (default: http://localhost:8080)
  ABI_ADMIN_TOKEN  Admin token for /admin routes

Examples:
  abictl enroll --ae fusion_ae --roles tracker,fusion
  abictl revoke --ae fusion_ae
  abictl runtime --state live`)
}

// ----------------------------------------------------------------
// enroll
// ----------------------------------------------------------------

func cmdEnroll(baseURL, adminToken string) {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	aeID := fs.String("ae", "", "AE identifier (required)")
	roles := fs.String("roles", "", "comma-separated roles")
	fs.Parse(os.Args[2:])

	if *aeID == "" {
		fmt.Fprintln(os.Stderr, "enroll: --ae is required")
		os.Exit(1)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen failed: %v\n", err)
		os.Exit(1)
	}
	pubB64 := base64.StdEncoding.EncodeToString(pub)
	privB64 := base64.StdEncoding.EncodeToString(priv)

	var roleList []string
	if *roles != "" {
		for _, r := range strings.Split(*roles, ",") {
			roleList = append(roleList, strings.TrimSpace(r))
		}
	}

	body := map[string]interface{}{
		"ae_id":      *aeID,
		"pubkey_b64": pubB64,
		"roles":      roleList,
		"status":     "trusted",
	}
	resp := postAdmin(baseURL, adminToken, "/admin/keys/add", body)
	fmt.Printf("Enrolled %s\n\n", *aeID)
	fmt.Printf("  public key:  %s\n", pubB64)
	fmt.Printf("  private key: %s\n\n", privB64)
	fmt.Println("The private key is shown ONCE and never stored by the broker.")
	printJSON(resp)
}

// ----------------------------------------------------------------
// revoke / keys / runtime
// ----------------------------------------------------------------

func cmdRevoke(baseURL, adminToken string) {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	aeID := fs.String("ae", "", "AE identifier (required)")
	fs.Parse(os.Args[2:])

	if *aeID == "" {
		fmt.Fprintln(os.Stderr, "revoke: --ae is required")
		os.Exit(1)
	}
	resp := postAdmin(baseURL, adminToken, "/admin/keys/revoke", map[string]string{"ae_id": *aeID})
	printJSON(resp)
}

func cmdKeys(baseURL, adminToken string) {
	printJSON(getAdmin(baseURL, adminToken, "/admin/keys"))
}

func cmdRuntime(baseURL, adminToken string) {
	fs := flag.NewFlagSet("runtime", flag.ExitOnError)
	state := fs.String("state", "all", "live|stale|dead|all")
	fs.Parse(os.Args[2:])

	printJSON(getAdmin(baseURL, adminToken, "/admin/runtime/"+*state))
}

// ----------------------------------------------------------------
// seed
// ----------------------------------------------------------------

func cmdSeed(baseURL, adminToken string) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	count := fs.Int("count", 3, "number of demo AEs")
	prefix := fs.String("prefix", "demo_ae", "AE id prefix")
	fs.Parse(os.Args[2:])

	for i := 1; i <= *count; i++ {
		aeID := fmt.Sprintf("%s_%d", *prefix, i)
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			fmt.Fprintf(os.Stderr, "keygen failed: %v\n", err)
			os.Exit(1)
		}
		body := map[string]interface{}{
			"ae_id":      aeID,
			"pubkey_b64": base64.StdEncoding.EncodeToString(pub),
			"roles":      []string{"demo"},
			"status":     "trusted",
		}
		postAdmin(baseURL, adminToken, "/admin/keys/add", body)
		fmt.Printf("seeded %s\n", aeID)
	}
}

// ----------------------------------------------------------------
// HTTP helpers
// ----------------------------------------------------------------

var httpClient = &http.Client{Timeout: 10 * time.Second}

func postAdmin(baseURL, adminToken, path string, body interface{}) []byte {
	payload, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", adminToken)
	return doRequest(req)
}

func getAdmin(baseURL, adminToken, path string) []byte {
	req, err := http.NewRequest(http.MethodGet, baseURL+path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("X-Admin-Token", adminToken)
	return doRequest(req)
}

func doRequest(req *http.Request) []byte {
	resp, err := httpClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, strings.TrimSpace(string(data)))
		os.Exit(1)
	}
	return data
}

func printJSON(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(buf.String())
}
