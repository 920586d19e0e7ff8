package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"cropsteer/engine"
)

// resolveStatePath prefers an explicit flag or argument and falls back to the
// statePath in the config file.
func resolveStatePath(fs afero.Fs, root *rootOptions, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	params, err := engine.LoadParams(fs, root.configPath)
	if err != nil {
		return "", fmt.Errorf("load config %s: %w", root.configPath, err)
	}
	return params.StatePath, nil
}

func newInspectCommand(root *rootOptions) *cobra.Command {
	var statePath string
	var addr string
	cmd := &cobra.Command{
		Use:   "inspect [state-file]",
		Short: "Print the controller state, live from a running daemon or from the snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				out, err := fetchLiveState(addr)
				if err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), string(out))
					return nil
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "daemon at %s not responding (%v), reading the snapshot\n", addr, err)
			}
			fs := afero.NewOsFs()
			explicit := statePath
			if len(args) == 1 {
				explicit = args[0]
			}
			path, err := resolveStatePath(fs, root, explicit)
			if err != nil {
				return err
			}
			snap, err := engine.ReadStateFile(fs, path)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&statePath, "state", "", "state file (default from config)")
	cmd.Flags().StringVar(&addr, "addr", "", "ops API of a running daemon (host:port or URL)")
	return cmd
}

// fetchLiveState asks a running daemon for its in-memory view.
func fetchLiveState(addr string) ([]byte, error) {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	cli := &http.Client{Timeout: 2 * time.Second}
	resp, err := cli.Get(base + "/api/v1/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func newRestoreCommand(root *rootOptions) *cobra.Command {
	var statePath string
	cmd := &cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Validate a snapshot backup and install it as the controller state",
		Long: `restore vets a snapshot backup (schema version, phases, counters, in-flight
marker) and atomically replaces the controller state file with it. Stop the
daemon first: it reads the state file only at boot and its next periodic
snapshot would overwrite the restored copy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := afero.NewOsFs()
			dst, err := resolveStatePath(fs, root, statePath)
			if err != nil {
				return err
			}
			snap, err := engine.InstallStateFile(fs, args[0], dst)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s at %s (%d zones, taken %s)\n",
				args[0], dst, len(snap.Zones), snap.Timestamp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&statePath, "state", "", "destination state file (default from config)")
	return cmd
}
