package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	createUser    string
	createPayload string
	createUUID    string
	createPDFs    []string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session and start a guide run",
	RunE:  runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createUser, "user", envOr("HEADSTART_USER", ""), "User id owning the session")
	createCmd.Flags().StringVar(&createPayload, "payload", "", "Path to an assignment payload JSON file")
	createCmd.Flags().StringVar(&createUUID, "assignment-uuid", "", "Assignment uuid for attempt numbering")
	createCmd.Flags().StringSliceVar(&createPDFs, "pdf", nil, "PDF attachment path (repeatable)")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	if createUser == "" {
		return fmt.Errorf("--user is required")
	}
	if createPayload == "" {
		return fmt.Errorf("--payload is required")
	}

	raw, err := os.ReadFile(createPayload)
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}
	var payload json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}

	type pdfFile struct {
		Filename string `json:"filename"`
		Data     string `json:"data"`
	}
	var pdfs []pdfFile
	for _, path := range createPDFs {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading pdf %s: %w", path, err)
		}
		pdfs = append(pdfs, pdfFile{
			Filename: filepath.Base(path),
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}

	body, err := json.Marshal(map[string]any{
		"userId":         createUser,
		"assignmentUuid": createUUID,
		"payload":        payload,
		"pdfFiles":       pdfs,
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	resp, err := http.Post(serverURL+"/api/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(msg))
	}

	var view struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Printf("Session %s created (%s)\n", view.ID, view.Status)
	fmt.Printf("Follow it with: headstart watch %s\n", view.ID)
	return nil
}
