package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shipkit/shiplog/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var (
		serverURL  string
		outputFile string
	)

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI specification",
		Long: `Generate the OpenAPI 3 document describing ingestion, streaming, and key
management. A running server serves the same document at /openapi.json.`,
		Example: `  shiplog openapi
  shiplog openapi --server https://logs.example.com -o openapi.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				serverURL = localServerURL()
			}
			data, err := json.MarshalIndent(openapi.Generate(serverURL, versionString()), "", "  ")
			if err != nil {
				return fmt.Errorf("encode spec: %w", err)
			}
			if outputFile == "" {
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			if err := os.WriteFile(outputFile, append(data, '\n'), 0o644); err != nil {
				return fmt.Errorf("write spec: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", outputFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Server URL recorded in the spec (default: local server)")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write spec to file instead of stdout")

	return cmd
}
