package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

var (
	Version   = "v1.0.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const usage = `Usage:
  archodex account create
  archodex key add <description>
  archodex key list
  archodex key revoke <id>

Environment:
  ARCHODEX_URL          backend address (default http://127.0.0.1:8090)
  ARCHODEX_ADMIN_TOKEN  bearer token for the management endpoints`

func main() {
	if len(os.Args) < 3 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	subCmd := os.Args[2]

	switch {
	case cmd == "account" && subCmd == "create":
		accountCreate()
	case cmd == "key" && subCmd == "add" && len(os.Args) > 3:
		keyAdd(os.Args[3])
	case cmd == "key" && subCmd == "list":
		keyList()
	case cmd == "key" && subCmd == "revoke" && len(os.Args) > 3:
		keyRevoke(os.Args[3])
	default:
		fmt.Println(usage)
		os.Exit(1)
	}
}

func baseURL() string {
	if url := os.Getenv("ARCHODEX_URL"); url != "" {
		return url
	}
	return "http://127.0.0.1:8090"
}

func do(method, path string, payload any) []byte {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			fmt.Printf("Error encoding request: %v\n", err)
			os.Exit(1)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, baseURL()+path, body)
	if err != nil {
		fmt.Printf("Error building request: %v\n", err)
		os.Exit(1)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := os.Getenv("ARCHODEX_ADMIN_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Error contacting backend: %v\n", err)
		fmt.Println("Is archodex-d running?")
		os.Exit(1)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("Error reading response: %v\n", err)
		os.Exit(1)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		fmt.Printf("Error: Server returned %s\n%s\n", resp.Status, string(respBody))
		os.Exit(1)
	}
	return respBody
}

func accountCreate() {
	body := do(http.MethodPost, "/v1/account", map[string]string{"created_by": "cli"})

	var response struct {
		ID        uint32 `json:"id"`
		CreatedAt string `json:"created_at"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		fmt.Println(string(body)) // Fallback to raw output
		return
	}
	fmt.Printf("Account created: %d\n", response.ID)
}

func keyAdd(description string) {
	body := do(http.MethodPost, "/v1/report-api-keys", map[string]string{
		"description": description,
		"created_by":  "cli",
	})

	var response struct {
		Key struct {
			ID          uint32 `json:"id"`
			Description string `json:"description"`
		} `json:"report_api_key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		fmt.Println(string(body)) // Fallback to raw output
		return
	}

	fmt.Printf("Report key created: %d (%s)\n", response.Key.ID, response.Key.Description)
	if response.Value != "" {
		fmt.Printf("Value: %s\n", response.Value)
		fmt.Println("WARNING: Save this key! It will not be shown again.")
	}
}

func keyList() {
	body := do(http.MethodGet, "/v1/report-api-keys", nil)

	var response struct {
		Keys []struct {
			ID          uint32  `json:"id"`
			Description string  `json:"description"`
			CreatedAt   string  `json:"created_at"`
			RevokedAt   *string `json:"revoked_at"`
		} `json:"report_api_keys"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		fmt.Println(string(body))
		return
	}

	if len(response.Keys) == 0 {
		fmt.Println("No report keys.")
		return
	}
	for _, key := range response.Keys {
		status := "active"
		if key.RevokedAt != nil {
			status = "revoked"
		}
		fmt.Printf("%d  %-8s  %s  %s\n", key.ID, status, key.CreatedAt, key.Description)
	}
}

func keyRevoke(id string) {
	do(http.MethodDelete, "/v1/report-api-keys/"+id+"?revoked_by=cli", nil)
	fmt.Printf("Report key revoked: %s\n", id)
}
