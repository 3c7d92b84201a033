// Command outboxctl is the interactive setup CLI of spec.md §6.5: it
// walks an operator through provisioning an outbox table, an inbox
// table, or both, and
// writes the resulting DDL and .env files to disk.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/outboxkit/outboxkit"
	"github.com/outboxkit/outboxkit/outboxconfig"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "outboxctl",
		Short: "Provision an outbox/inbox table, publication, and config file",
	}
	root.AddCommand(initCmd())
	return root
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactively generate a .sql and .env pair for one listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			answers, err := promptAnswers()
			if err != nil {
				return err
			}
			return writeOutput(answers)
		},
	}
}

// answers holds everything gathered from the operator, following spec.md
// §6.5's prompt list: listener kind, database name, schema, roles,
// outbox/inbox/both, table name(s), slot+publication or function+schema,
// output filename.
type answers struct {
	Kind         string // "replication" or "polling"
	Side         string // "outbox", "inbox", or "both"
	Database     string
	Schema       string
	HandlerRole  string
	ListenerRole string
	OutboxTable  string
	InboxTable   string
	Publication  string
	Slot         string
	Function     string
	OutputName   string
}

func promptAnswers() (answers, error) {
	var a answers

	questions := []*survey.Question{
		{
			Name: "kind",
			Prompt: &survey.Select{
				Message: "Listener kind:",
				Options: []string{"replication", "polling"},
				Default: "replication",
			},
		},
		{
			Name: "side",
			Prompt: &survey.Select{
				Message: "Which tables:",
				Options: []string{"outbox", "inbox", "both"},
				Default: "outbox",
			},
		},
		{
			Name:     "database",
			Prompt:   &survey.Input{Message: "Database name:"},
			Validate: survey.Required,
		},
		{
			Name:   "schema",
			Prompt: &survey.Input{Message: "Schema name:", Default: "public"},
		},
		{
			Name:     "handlerRole",
			Prompt:   &survey.Input{Message: "Handler role name:"},
			Validate: survey.Required,
		},
		{
			Name:     "listenerRole",
			Prompt:   &survey.Input{Message: "Listener role name:"},
			Validate: survey.Required,
		},
	}
	if err := survey.Ask(questions, &a); err != nil {
		return a, err
	}

	if a.Side == "outbox" || a.Side == "both" {
		if err := survey.AskOne(&survey.Input{Message: "Outbox table name:", Default: "outbox"}, &a.OutboxTable); err != nil {
			return a, err
		}
	}
	if a.Side == "inbox" || a.Side == "both" {
		if err := survey.AskOne(&survey.Input{Message: "Inbox table name:", Default: "inbox"}, &a.InboxTable); err != nil {
			return a, err
		}
	}

	if a.Kind == "replication" {
		if err := survey.AskOne(&survey.Input{Message: "Publication name:", Default: "outboxkit_pub"}, &a.Publication); err != nil {
			return a, err
		}
		if err := survey.AskOne(&survey.Input{Message: "Replication slot name:", Default: "outboxkit_slot"}, &a.Slot); err != nil {
			return a, err
		}
	} else {
		if err := survey.AskOne(&survey.Input{Message: "Batch function name:", Default: "next_outbox_messages"}, &a.Function); err != nil {
			return a, err
		}
	}

	if err := survey.AskOne(&survey.Input{Message: "Output file name (without extension):", Default: "outboxkit"}, &a.OutputName); err != nil {
		return a, err
	}

	return a, nil
}

func writeOutput(a answers) error {
	exporter := outboxkit.DatabaseSetupExporter{HandlerRole: a.HandlerRole, ListenerRole: a.ListenerRole}

	var sql strings.Builder
	tables := tableList(a)
	for _, table := range tables {
		cfg := outboxkit.Config{
			Schema:      a.Schema,
			Table:       table,
			Publication: a.Publication + "_" + table,
			Slot:        a.Slot + "_" + table,
			Function:    a.Function,
		}
		if a.Kind == "replication" {
			sql.WriteString(exporter.CreateReplicationScript(cfg))
		} else {
			sql.WriteString(exporter.CreatePollingScript(cfg))
		}
		sql.WriteString("\n")
	}

	if err := os.WriteFile(a.OutputName+".sql", []byte(sql.String()), 0o644); err != nil {
		return fmt.Errorf("writing sql file: %w", err)
	}

	env := renderEnvFile(a)
	if err := os.WriteFile(a.OutputName+".env", []byte(env), 0o644); err != nil {
		return fmt.Errorf("writing env file: %w", err)
	}

	fmt.Printf("wrote %s.sql and %s.env\n", a.OutputName, a.OutputName)
	return nil
}

func tableList(a answers) []string {
	var tables []string
	if a.OutboxTable != "" {
		tables = append(tables, a.OutboxTable)
	}
	if a.InboxTable != "" {
		tables = append(tables, a.InboxTable)
	}
	return tables
}

// renderEnvFile enumerates every recognized configuration key with its
// default, via outboxconfig.Describe walking outboxkit.Config's struct
// tags, so the .env file never drifts out of sync with the real parser
// (spec.md §6.5: "an .env file enumerating all recognized configuration
// keys with defaults").
func renderEnvFile(a answers) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Generated by outboxctl init (database=%s, schema=%s)\n", a.Database, a.Schema)
	fmt.Fprintf(&b, "# Shared fallback prefix: %s. Override per listener with OUTBOX_ or INBOX_.\n\n", outboxkit.GeneralPrefix)

	for _, doc := range outboxconfig.Describe(outboxkit.Config{}) {
		if doc.Desc != "" {
			fmt.Fprintf(&b, "# %s\n", doc.Desc)
		}
		key := outboxkit.GeneralPrefix + "_" + doc.EnvSuffix
		value := doc.Default
		switch doc.EnvSuffix {
		case "SCHEMA":
			value = a.Schema
		case "PUBLICATION":
			value = a.Publication
		case "SLOT":
			value = a.Slot
		case "FUNCTION":
			value = a.Function
		}
		fmt.Fprintf(&b, "%s=%s\n\n", key, value)
	}

	return b.String()
}
