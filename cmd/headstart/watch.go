package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/an-siuu-man/headstart/sse"
)

var watchCmd = &cobra.Command{
	Use:   "watch [session-id]",
	Short: "Follow a session's event stream",
	Long:  "Attach to a session's server-sent event stream and print updates until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	id := args[0]

	resp, err := http.Get(serverURL + "/api/sessions/" + id + "/events")
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	dec := sse.NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
		printEvent(ev)
	}
}

func printEvent(ev sse.Event) {
	switch ev.Name {
	case "session.snapshot", "session.update":
		var view struct {
			Status          string `json:"status"`
			Stage           string `json:"stage"`
			ProgressPercent int    `json:"progress_percent"`
			StatusMessage   string `json:"status_message"`
			Error           string `json:"error"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &view); err != nil {
			return
		}
		line := fmt.Sprintf("[%3d%%] %s / %s", view.ProgressPercent, view.Status, view.Stage)
		if view.StatusMessage != "" {
			line += " - " + view.StatusMessage
		}
		if view.Error != "" {
			line += " (" + view.Error + ")"
		}
		fmt.Println(line)

	case "chat.message.created":
		var msg struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			return
		}
		fmt.Printf("[chat] %s: %s\n", msg.Role, msg.Content)

	case "chat.message.delta":
		var delta struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &delta); err != nil {
			return
		}
		fmt.Print(delta.Delta)

	case "chat.message.completed":
		fmt.Println()

	case "chat.error":
		var e struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
			return
		}
		fmt.Printf("[chat error] %s\n", e.Error)

	case "session.heartbeat":
		// Keep-alive only.
	}
}
