package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"tabnerd/internal/relay"
)

var (
	callMethod  string
	callParams  string
	callSession string
)

// statusCmd shows relay health
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay status",
	RunE:  runStatus,
}

// targetsCmd lists attached tabs
var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List attached browser tabs",
	RunE:  runTargets,
}

// attachCmd asks the extension to attach tabs
var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Ask the extension to attach its tabs",
	RunE:  runAttach,
}

// callCmd sends one CDP command through the relay
var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Send a single CDP command",
	Long: `Sends one command through the relay and prints the raw result.

Examples:
  tabnerd call --method Target.getTargets
  tabnerd call --method Page.navigate --params '{"url":"https://example.com"}'
  tabnerd call --method Runtime.evaluate --params '{"expression":"document.title","returnByValue":true}' --session <id>`,
	RunE: runCall,
}

func relayClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}

func relayGet(base, path string, out any) error {
	resp, err := relayClient().Get(base + path)
	if err != nil {
		return fmt.Errorf("relay unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return json.Unmarshal(body, out)
}

func relayPost(base, path string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	resp, err := relayClient().Post(base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("relay unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base, err := httpBaseURL(resolveRelayURL(cfg))
	if err != nil {
		return err
	}

	var status relay.StatusResponse
	if err := relayGet(base, "/status", &status); err != nil {
		return err
	}

	fmt.Println("tabnerd Relay Status")
	fmt.Println("====================")
	fmt.Printf("Relay:     %s\n", base)
	if status.Extension {
		fmt.Println("Extension: ✓ connected")
	} else {
		fmt.Println("Extension: ✗ not connected")
	}
	fmt.Printf("Targets:   %d\n", status.Targets)
	fmt.Printf("Clients:   %d\n", status.Clients)
	return nil
}

func runTargets(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base, err := httpBaseURL(resolveRelayURL(cfg))
	if err != nil {
		return err
	}

	var sessions []relay.Session
	if err := relayGet(base, "/targets", &sessions); err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("No tabs attached. Is the extension connected? Try 'tabnerd attach'.")
		return nil
	}

	fmt.Printf("%-38s %-14s %s\n", "SESSION", "TARGET", "URL")
	for _, s := range sessions {
		title := s.Title
		if title != "" {
			title = "  (" + title + ")"
		}
		fmt.Printf("%-38s %-14s %s%s\n", s.SessionID, s.TargetID, s.URL, title)
	}
	return nil
}

func runAttach(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base, err := httpBaseURL(resolveRelayURL(cfg))
	if err != nil {
		return err
	}

	code, body, err := relayPost(base, "/attach", struct{}{})
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("attach failed (%d): %s", code, bytes.TrimSpace(body))
	}

	var result relay.AttachResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return err
	}
	fmt.Printf("Attached %d tab(s)\n", result.Attached)
	return nil
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base, err := httpBaseURL(resolveRelayURL(cfg))
	if err != nil {
		return err
	}

	var params json.RawMessage
	if err := json.Unmarshal([]byte(callParams), &params); err != nil {
		return fmt.Errorf("--params is not valid JSON: %w", err)
	}

	req := relay.CDPRequest{
		Method:    callMethod,
		Params:    params,
		SessionID: callSession,
	}
	code, body, err := relayPost(base, "/cdp", req)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("call failed (%d): %s", code, bytes.TrimSpace(body))
	}

	// Pretty-print when the result is JSON, pass through otherwise.
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
