package app

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpgate/mcpgate/pkg/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a topology file",
		Long: `Validate the topology file and print the resulting topology.

This command checks:
- YAML/JSON syntax validity
- Server entries (names, commands, timeouts)
- Namespace references and the extends graph
- Group members and force-include markers
- Sandbox policy references`,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := viper.GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			fmt.Printf("%s is valid\n\n", path)
			if err := printServers(cfg); err != nil {
				return err
			}
			if err := printNamespaces(cfg); err != nil {
				return err
			}
			if err := printGroups(cfg); err != nil {
				return err
			}
			if cfg.Sandbox != nil && cfg.Sandbox.Enabled {
				fmt.Println("Sandboxed code execution is enabled")
			}
			return nil
		},
	}
}

func newTopologyTable(headers []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.Options(
		tablewriter.WithHeader(headers),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(len(headers), tw.AlignLeft)),
	)
	return table
}

func printServers(cfg *config.Config) error {
	table := newTopologyTable([]string{"Server", "Command", "Enabled", "Namespace"})
	for _, spec := range cfg.Servers {
		enabled := "yes"
		if !spec.Enabled {
			enabled = "no"
		}
		command := strings.TrimSpace(spec.Command + " " + strings.Join(spec.Args, " "))
		if err := table.Append([]string{spec.Name, command, enabled, spec.Namespace}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func printNamespaces(cfg *config.Config) error {
	if len(cfg.Namespaces) == 0 {
		return nil
	}

	names := make([]string, 0, len(cfg.Namespaces))
	for name := range cfg.Namespaces {
		names = append(names, name)
	}
	sort.Strings(names)

	table := newTopologyTable([]string{"Namespace", "Servers", "Extends", "Isolated"})
	for _, name := range names {
		ns := cfg.Namespaces[name]
		isolated := ""
		if ns.Isolated {
			isolated = "yes"
		}
		row := []string{name, strings.Join(ns.Servers, ", "), strings.Join(ns.Extends, ", "), isolated}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func printGroups(cfg *config.Config) error {
	if len(cfg.Groups) == 0 {
		return nil
	}

	names := make([]string, 0, len(cfg.Groups))
	for name := range cfg.Groups {
		names = append(names, name)
	}
	sort.Strings(names)

	table := newTopologyTable([]string{"Group", "Namespaces"})
	for _, name := range names {
		if err := table.Append([]string{name, strings.Join(cfg.Groups[name].Namespaces, ", ")}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
