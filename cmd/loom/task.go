package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// taskCmd groups the HTTP client subcommands for operating on a running
// server.
func taskCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and inspect tasks over the HTTP API",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of the loom server")

	var (
		workflowType   string
		mode           string
		inputsJSON     string
		idempotencyKey string
		callbackURL    string
		priority       int
	)
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Create a task",
		RunE: func(_ *cobra.Command, _ []string) error {
			var inputs map[string]any
			if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
				return fmt.Errorf("parse --inputs: %w", err)
			}
			return call(serverURL, http.MethodPost, "/api/tasks", map[string]any{
				"workflowType":   workflowType,
				"mode":           mode,
				"inputs":         inputs,
				"idempotencyKey": idempotencyKey,
				"callbackUrl":    callbackURL,
				"priority":       priority,
			})
		},
	}
	submit.Flags().StringVar(&workflowType, "type", "", "workflow type (required)")
	submit.Flags().StringVar(&mode, "mode", "sync", "execution mode: sync or async")
	submit.Flags().StringVar(&inputsJSON, "inputs", "{}", "typed inputs as a JSON object")
	submit.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "client-chosen dedupe key")
	submit.Flags().StringVar(&callbackURL, "callback-url", "", "webhook URL for lifecycle events")
	submit.Flags().IntVar(&priority, "priority", 0, "dispatch priority, higher first")
	submit.MarkFlagRequired("type") //nolint:errcheck

	status := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show status and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(serverURL, http.MethodGet, "/api/tasks/"+args[0]+"/status", nil)
		},
	}
	result := &cobra.Command{
		Use:   "result <task-id>",
		Short: "Fetch results and quality reports of a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(serverURL, http.MethodGet, "/api/tasks/"+args[0]+"/result", nil)
		},
	}
	retry := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Re-execute a failed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(serverURL, http.MethodPost, "/api/tasks/"+args[0]+"/retry", nil)
		},
	}
	cancel := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(serverURL, http.MethodDelete, "/api/tasks/"+args[0], nil)
		},
	}

	cmd.AddCommand(submit, status, result, retry, cancel)
	return cmd
}

// call performs one API request and prints the envelope's data (or error)
// as indented JSON.
func call(base, method, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("%s: %s", env.Error.Kind, env.Error.Message)
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	return out.Encode(env.Data)
}
