package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/chunkd/chunkd/internal/cli/output"
	"github.com/chunkd/chunkd/pkg/upload"
)

var (
	statusOutput string
	statusAddr   string
)

var statusCmd = &cobra.Command{
	Use:   "status [uploadId]",
	Short: "Show server or upload status",
	Long: `Display the status of a running chunkd server, or of a single upload
session when an upload id is given.

Without arguments the command calls the server health endpoint. With an
upload id it shows the session state and the per-chunk receipt table, which
is useful for checking how far an interrupted upload got.

Examples:
  # Check server health
  chunkd status

  # Inspect a specific upload
  chunkd status my-upload-id

  # Output as JSON
  chunkd status my-upload-id --output json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://localhost:3001", "Server base URL")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}

	if len(args) == 0 {
		return showServerStatus(client, format)
	}
	return showUploadStatus(client, format, args[0])
}

// serverStatus is the health endpoint response shape.
type serverStatus struct {
	Status    string `json:"status" yaml:"status"`
	Service   string `json:"service" yaml:"service"`
	StartedAt string `json:"started_at" yaml:"started_at"`
	Uptime    string `json:"uptime" yaml:"uptime"`
}

func showServerStatus(client *http.Client, format output.Format) error {
	resp, err := client.Get(statusAddr + "/health")
	if err != nil {
		return fmt.Errorf("server is not reachable at %s: %w", statusAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	var status serverStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	if format == output.FormatTable {
		table := output.NewTableData("FIELD", "VALUE")
		table.AddRow("Status", status.Status)
		table.AddRow("Service", status.Service)
		table.AddRow("Started", status.StartedAt)
		table.AddRow("Uptime", status.Uptime)
		return output.PrintTable(os.Stdout, table)
	}
	return output.Print(os.Stdout, format, status)
}

// uploadStatus is the upload status endpoint response shape.
type uploadStatus struct {
	Upload upload.Session `json:"upload" yaml:"upload"`
	Chunks []upload.Chunk `json:"chunks" yaml:"chunks"`
}

func showUploadStatus(client *http.Client, format output.Format, uploadID string) error {
	resp, err := client.Get(statusAddr + "/api/upload/" + uploadID + "/status")
	if err != nil {
		return fmt.Errorf("server is not reachable at %s: %w", statusAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("upload session %s not found", uploadID)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status query returned status %d", resp.StatusCode)
	}

	var status uploadStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode status response: %w", err)
	}

	if format != output.FormatTable {
		return output.Print(os.Stdout, format, status)
	}

	received := 0
	for _, c := range status.Chunks {
		if c.Status == upload.ChunkReceived {
			received++
		}
	}

	fmt.Printf("Upload:   %s (%s)\n", status.Upload.ID, status.Upload.Filename)
	fmt.Printf("Status:   %s\n", status.Upload.Status)
	fmt.Printf("Size:     %d bytes in %d chunks (%d received)\n",
		status.Upload.TotalSize, status.Upload.TotalChunks, received)
	if status.Upload.FinalHash != "" {
		fmt.Printf("SHA-256:  %s\n", status.Upload.FinalHash)
	}
	fmt.Println()

	table := output.NewTableData("INDEX", "STATUS", "RECEIVED AT")
	for _, c := range status.Chunks {
		receivedAt := ""
		if c.ReceivedAt != nil {
			receivedAt = c.ReceivedAt.Format(time.RFC3339)
		}
		table.AddRow(strconv.Itoa(c.Index), string(c.Status), receivedAt)
	}
	return output.PrintTable(os.Stdout, table)
}
