package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/breadfs/breadfs/internal/config"
)

func newBackendsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "List configured backends",
		Long: `List configured backends. The built-in "local" and "memory" backends are
always present unless the config file redefines them.`,
		Args: cobra.NoArgs,
		RunE: runBackends,
	}

	cmd.Flags().Bool("show", false, "display the effective configuration after all overrides")

	return cmd
}

// backendJSON is the JSON output schema for one backend. Credentials are
// never included.
type backendJSON struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Location string `json:"location,omitempty"`
}

func runBackends(cmd *cobra.Command, _ []string) error {
	if resolvedCfg == nil {
		return fmt.Errorf("no configuration loaded")
	}

	w := cmd.OutOrStdout()

	if show, _ := cmd.Flags().GetBool("show"); show {
		return config.RenderEffective(resolvedCfg, w)
	}

	out := make([]backendJSON, 0, len(resolvedCfg.Backends))
	for _, name := range resolvedCfg.BackendNames() {
		b := resolvedCfg.Backends[name]
		out = append(out, backendJSON{Name: name, Type: b.Type, Location: backendLocation(b)})
	}

	if flagJSON {
		return printJSON(w, out)
	}

	rows := make([][]string, 0, len(out))
	for _, b := range out {
		rows = append(rows, []string{b.Name, b.Type, b.Location})
	}

	printTable(w, []string{"NAME", "TYPE", "LOCATION"}, rows)

	return nil
}

// backendLocation summarizes where a backend's data lives.
func backendLocation(b config.Backend) string {
	switch b.Type {
	case config.TypeLocal:
		return b.Root
	case config.TypeWebDAV:
		return b.URL
	case config.TypeS3:
		loc := "s3://" + b.Bucket
		if b.Prefix != "" {
			loc += "/" + b.Prefix
		}

		return loc
	case config.TypeAlipan:
		if b.DriveType != "" {
			return "alipan (" + b.DriveType + " drive)"
		}

		return "alipan"
	default:
		return ""
	}
}
