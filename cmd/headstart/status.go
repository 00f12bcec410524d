package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Get the status of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	id := args[0]

	resp, err := http.Get(serverURL + "/api/sessions/" + id)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var view struct {
		ID              string `json:"id"`
		Status          string `json:"status"`
		Stage           string `json:"stage"`
		ProgressPercent int    `json:"progress_percent"`
		StatusMessage   string `json:"status_message"`
		Error           string `json:"error"`
		Payload         struct {
			Title    string `json:"title"`
			CourseID string `json:"courseId"`
			DueDate  string `json:"dueDate"`
		} `json:"payload"`
		CreatedAt string `json:"created_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Printf("Session:    %s\n", view.ID)
	fmt.Printf("Assignment: %s", view.Payload.Title)
	if view.Payload.CourseID != "" {
		fmt.Printf(" (%s)", view.Payload.CourseID)
	}
	fmt.Println()
	if view.Payload.DueDate != "" {
		fmt.Printf("Due:        %s\n", view.Payload.DueDate)
	}
	fmt.Printf("Status:     %s / %s (%d%%)\n", view.Status, view.Stage, view.ProgressPercent)
	if view.StatusMessage != "" {
		fmt.Printf("Message:    %s\n", view.StatusMessage)
	}
	if view.Error != "" {
		fmt.Printf("Error:      %s\n", view.Error)
	}
	fmt.Printf("Created:    %s\n", view.CreatedAt)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/sessions")
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var sessions []struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Payload struct {
			Title string `json:"title"`
		} `json:"payload"`
		CreatedAt string `json:"created_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%-10s %-10s %s\n", s.ID, s.Status, s.Payload.Title)
	}
	return nil
}
