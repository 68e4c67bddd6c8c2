package cli

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check if the ShipLog server is running",
		Long:  "Check the status of the ShipLog server, including process state, HTTP health, and store readiness.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.OutOrStdout())
		},
	}
}

func runStatus(w io.Writer) error {
	pid, err := readPID()
	if err != nil {
		fmt.Fprintln(w, "Server is not running (no PID file found).")
		return nil
	}

	if !isProcessRunning(pid) {
		removePID()
		fmt.Fprintln(w, "Server is not running (stale PID file removed).")
		return nil
	}

	base := localServerURL()
	client := &http.Client{Timeout: 2 * time.Second}

	health, err := probe(client, base+"/healthz")
	if err != nil {
		fmt.Fprintf(w, "Server process is running (PID %d) but not responding to HTTP.\n", pid)
		return nil
	}
	ready, err := probe(client, base+"/readyz")
	if err != nil {
		ready = 0
	}

	fmt.Fprintf(w, "Server is running (PID %d)\n", pid)
	fmt.Fprintf(w, "  Health:  %s/healthz (%d)\n", base, health)
	fmt.Fprintf(w, "  Ready:   %s/readyz (%d)\n", base, ready)
	if ready != http.StatusOK {
		fmt.Fprintln(w, "  The store is not reachable; ingestion and streams will fail.")
	}
	return nil
}

func probe(client *http.Client, url string) (int, error) {
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
