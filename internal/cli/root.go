// Package cli implements the tallyd command tree. Apart from serve, every
// command is a thin HTTP client against a running daemon.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultAddr = "http://127.0.0.1:8590"

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tallyd",
	Short: "Credit ledger and settlement engine",
	Long: `tallyd meters prepaid credits, splits collected revenue between
stakeholders and pays out settled earnings — all in integer micro-credits
on an append-only ledger (1 credit = 1,000,000 micros).

Most commands talk to a running daemon. Start one with 'tallyd serve';
point commands elsewhere with --addr or TALLY_ADDR.`,
	SilenceUsage: true,
}

// Execute runs the command tree. v is the build-stamped version string.
func Execute(v string) {
	if v != "" {
		version = v
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("addr", "", "daemon base URL (default "+defaultAddr+" or $TALLY_ADDR)")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tallyd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(os.Stdout, "tallyd %s\n", version)
	},
}

// ─── Daemon Client ──────────────────────────────────────────────────────────

func baseURL(cmd *cobra.Command) string {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		return strings.TrimRight(addr, "/")
	}
	if env := os.Getenv("TALLY_ADDR"); env != "" {
		return strings.TrimRight(env, "/")
	}
	return defaultAddr
}

func getJSON(cmd *cobra.Command, path string, out any) error {
	return doJSON(cmd, http.MethodGet, path, nil, out)
}

func postJSON(cmd *cobra.Command, path string, in, out any) error {
	return doJSON(cmd, http.MethodPost, path, in, out)
}

func putJSON(cmd *cobra.Command, path string, in, out any) error {
	return doJSON(cmd, http.MethodPut, path, in, out)
}

func doJSON(cmd *cobra.Command, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), method, baseURL(cmd)+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach the daemon at %s: %w\nStart one with 'tallyd serve'", baseURL(cmd), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiErrorFrom(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiErrorFrom turns the daemon's {"error": {code, message}} envelope into a
// readable error, falling back to the HTTP status for anything else.
func apiErrorFrom(resp *http.Response) error {
	var wrapper struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil || wrapper.Error.Code == "" {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return fmt.Errorf("%s (%s)", wrapper.Error.Message, wrapper.Error.Code)
}

// micros renders a micro-credit amount as a decimal credit value.
func micros(v int64) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/1_000_000, v%1_000_000)
}
