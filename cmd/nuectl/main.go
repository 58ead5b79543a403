// Command nuectl is the control-plane client: it issues mount/unmount/
// update/which/status/resolve/shutdown requests against a running nuefsd,
// auto-spawning one if none answers (spec §4.5, §6).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nuefs/nuefsd/internal/client"
	"github.com/nuefs/nuefsd/internal/control"
)

func main() {
	root := &cobra.Command{
		Use:   "nuectl",
		Short: "Control client for nuefsd",
	}
	root.AddCommand(
		newMountCmd(),
		newUnmountCmd(),
		newUpdateCmd(),
		newWhichCmd(),
		newStatusCmd(),
		newResolveCmd(),
		newShutdownCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

// parseEntries parses "virtual=backend[:dir]" flag values into
// control.ManifestEntry values.
func parseEntries(raw []string) ([]control.ManifestEntry, error) {
	entries := make([]control.ManifestEntry, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid entry %q, want virtual=backend[:dir]", r)
		}
		backend := parts[1]
		isDir := false
		if strings.HasSuffix(backend, ":dir") {
			isDir = true
			backend = strings.TrimSuffix(backend, ":dir")
		}
		entries = append(entries, control.ManifestEntry{VirtualPath: parts[0], BackendPath: backend, IsDir: isDir})
	}
	return entries, nil
}

func connect(ctx context.Context) (*client.Client, error) {
	c := client.New()
	if err := c.EnsureDaemon(ctx, client.DefaultDeadline); err != nil {
		return nil, err
	}
	return c, nil
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func newMountCmd() *cobra.Command {
	var entries []string
	cmd := &cobra.Command{
		Use:   "mount <root>",
		Short: "Mount an overlay filesystem at root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := client.WithDeadline(cmd.Context())
			defer cancel()
			specs, err := parseEntries(entries)
			if err != nil {
				return err
			}
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			id, err := c.Mount(ctx, args[0], specs)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&entries, "entry", nil, "virtual=backend[:dir] manifest entry (repeatable)")
	return cmd
}

func newUnmountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unmount <mount-id>",
		Short: "Unmount a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			ctx, cancel := client.WithDeadline(cmd.Context())
			defer cancel()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			return c.Unmount(ctx, id)
		},
	}
}

func newUpdateCmd() *cobra.Command {
	var entries []string
	cmd := &cobra.Command{
		Use:   "update <mount-id>",
		Short: "Replace a session's manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			specs, err := parseEntries(entries)
			if err != nil {
				return err
			}
			ctx, cancel := client.WithDeadline(cmd.Context())
			defer cancel()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			return c.Update(ctx, id, specs)
		},
	}
	cmd.Flags().StringArrayVar(&entries, "entry", nil, "virtual=backend[:dir] manifest entry (repeatable)")
	return cmd
}

func newWhichCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "which <mount-id> <path>",
		Short: "Show which backend owns a virtual path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			ctx, cancel := client.WithDeadline(cmd.Context())
			defer cancel()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			resp, err := c.Which(ctx, id, args[1])
			if err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List live mount sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := client.WithDeadline(cmd.Context())
			defer cancel()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			mounts, err := c.Status(ctx)
			if err != nil {
				return err
			}
			printJSON(mounts)
			return nil
		},
	}
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <root>",
		Short: "Find the mount id for a root, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := client.WithDeadline(cmd.Context())
			defer cancel()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			resp, err := c.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}

func newShutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the daemon to unmount everything and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := client.WithDeadline(cmd.Context())
			defer cancel()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			return c.Shutdown(ctx)
		},
	}
}
