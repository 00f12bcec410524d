// Headstart - study guide generation sessions.
//
// Create a session from an assignment, stream the guide as it is generated,
// and ask follow-up questions grounded in the finished guide.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "headstart",
	Short: "Headstart - study guide generation sessions",
	Long: `Headstart turns an assignment into a streamed study guide session.

  headstart serve                         Start the server
  headstart create --payload a.json       Create a session and start a run
  headstart list                          List sessions
  headstart status <id>                   Check session status
  headstart watch <id>                    Follow a session's event stream`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("HEADSTART_SERVER", "http://localhost:7090"), "Headstart server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
