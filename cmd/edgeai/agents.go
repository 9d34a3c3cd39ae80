package main

import (
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"edgeai/internal/domain/agent"
)

func newAgentsCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List configured agents and their models",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return c.agents()
		},
	}
}

func (c *cli) agents() error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	profiles, err := cfg.Profiles()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(c.out)
	table.SetHeader([]string{"Agent", "Role", "Model", "Footprint MB", "Priority", "Hands off to"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	for _, p := range profiles {
		footprint := "-"
		if m, ok := cfg.Model(p.Model); ok {
			footprint = strconv.FormatInt(m.FootprintMB, 10)
		}
		handoff := "-"
		if p.HandoffTo.Valid() {
			handoff = p.HandoffTo.String()
		}
		table.Append([]string{
			agent.ID(p.Role),
			p.Role.String(),
			p.Model,
			footprint,
			strconv.Itoa(p.Priority),
			handoff,
		})
	}
	table.Render()
	return nil
}
