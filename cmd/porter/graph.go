package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/SmartOrange/porter/internal/app"
	"github.com/SmartOrange/porter/internal/graph"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "print the resolved module forest for every configured entry",
	RunE:  runGraph,
}

// graphRow is one line of the printed forest: depth drives indentation,
// the rest mirror the fields that decide how App.Build would treat this
// Module as a standalone artifact.
type graphRow struct {
	depth   int
	id      string
	pkg     string
	version string
	flags   string
}

func runGraph(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	a, err := app.New(cfg, log.Logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	mods, err := a.ParseEntries(context.Background())
	if err != nil {
		return fmt.Errorf("parse entries: %w", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Module", "Packet", "Version", "Flags"})
	table.SetAutoWrapText(false)
	table.SetRowLine(false)

	seen := map[string]bool{}
	for _, mod := range mods {
		for _, row := range walkGraph(mod, 0, seen) {
			table.Append([]string{
				strings.Repeat("  ", row.depth) + row.id,
				row.pkg,
				row.version,
				row.flags,
			})
		}
	}
	table.Render()
	return nil
}

func walkGraph(mod *graph.Module, depth int, seen map[string]bool) []graphRow {
	key := graphModuleKey(mod)
	if seen[key] {
		return []graphRow{{depth: depth, id: mod.ID, flags: "(cycle)"}}
	}
	seen[key] = true

	pkgName, pkgVersion := "", ""
	if mod.Packet != nil {
		pkgName, pkgVersion = mod.Packet.Name(), mod.Packet.Version()
	}

	rows := []graphRow{{
		depth:   depth,
		id:      mod.ID,
		pkg:     pkgName,
		version: pkgVersion,
		flags:   graphFlags(mod),
	}}
	for _, child := range mod.Children {
		rows = append(rows, walkGraph(child, depth+1, seen)...)
	}
	return rows
}

func graphFlags(mod *graph.Module) string {
	var flags []string
	if mod.Fake {
		flags = append(flags, "fake")
	}
	if mod.Disabled {
		flags = append(flags, "disabled")
	}
	if mod.Isolated {
		flags = append(flags, "isolated")
	}
	if mod.Preload {
		flags = append(flags, "preload")
	}
	if mod.Worker {
		flags = append(flags, "worker")
	}
	if mod.Warning != "" {
		flags = append(flags, "warning")
	}
	return strings.Join(flags, ",")
}

func graphModuleKey(mod *graph.Module) string {
	if mod.Packet == nil {
		return "fake\x00" + mod.ID
	}
	return mod.Packet.Dir() + "\x00" + mod.ID
}
