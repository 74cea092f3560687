package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"automator/internal/models"
	"automator/internal/services"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	rulesOwner    string
	rulesPage     int
	rulesPageSize int
	importFile    string
	importDryRun  bool
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and import automation rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules (all owners unless --owner is set)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rules, total, err := a.Store.ListRules(cmd.Context(), rulesOwner, rulesPage, rulesPageSize)
		if err != nil {
			return err
		}
		return printRules(cmd.OutOrStdout(), rules, total)
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import rules from a YAML file for one owner",
	Long: `Import rules from a YAML file. The file holds either a list of rules or a
document with a top-level "rules" list. Every rule is validated before any is
created; one invalid rule rejects the whole file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if rulesOwner == "" {
			return errors.New("--owner is required")
		}
		var data []byte
		var err error
		if importFile == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(importFile)
		}
		if err != nil {
			return fmt.Errorf("read rules: %w", err)
		}
		reqs, err := parseRuleFile(data)
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if importDryRun {
			for i := range reqs {
				if err := a.Service.Validate(&reqs[i]); err != nil {
					return fmt.Errorf("rule %d (%s): %w", i, reqs[i].Name, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d rules valid\n", len(reqs))
			return nil
		}

		created, err := a.Service.ImportRules(cmd.Context(), rulesOwner, reqs)
		if err != nil {
			return err
		}
		for _, r := range created {
			fmt.Fprintf(cmd.OutOrStdout(), "created %s %s\n", r.ID, r.Name)
		}
		return nil
	},
}

var rulesTemplatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Print the built-in rule templates as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		reqs := make([]services.AutomationRuleRequest, 0)
		for _, tpl := range services.BuiltinTemplates() {
			reqs = append(reqs, services.AutomationRuleRequest{
				Name:          tpl.Name,
				Description:   tpl.Description,
				Trigger:       tpl.Trigger,
				TriggerConfig: tpl.TriggerConfig,
				Conditions:    tpl.Conditions,
				Actions:       tpl.Actions,
			})
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(ruleFile{Rules: reqs})
	},
}

func init() {
	rulesCmd.PersistentFlags().StringVar(&rulesOwner, "owner", "", "owner ID")
	rulesListCmd.Flags().IntVar(&rulesPage, "page", 1, "page number")
	rulesListCmd.Flags().IntVar(&rulesPageSize, "page-size", 50, "rules per page")
	rulesImportCmd.Flags().StringVarP(&importFile, "file", "f", "", "YAML file with rules (- for stdin)")
	rulesImportCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "validate only")
	_ = rulesImportCmd.MarkFlagRequired("file")

	rulesCmd.AddCommand(rulesListCmd, rulesImportCmd, rulesTemplatesCmd)
	rootCmd.AddCommand(rulesCmd)
}

type ruleFile struct {
	Rules []services.AutomationRuleRequest `yaml:"rules"`
}

// parseRuleFile accepts a bare list or a {rules: [...]} document.
func parseRuleFile(data []byte) ([]services.AutomationRuleRequest, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("rules file is empty")
	}
	var list []services.AutomationRuleRequest
	if data[0] == '-' || data[0] == '[' {
		if err := yaml.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parse rules: %w", err)
		}
	} else {
		var doc ruleFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse rules: %w", err)
		}
		list = doc.Rules
	}
	if len(list) == 0 {
		return nil, errors.New("rules file contains no rules")
	}
	return list, nil
}

func printRules(w io.Writer, rules []models.AutomationRule, total int64) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOWNER\tNAME\tTRIGGER\tENABLED\tFIRED\tLAST")
	for _, r := range rules {
		last := "-"
		if r.LastTriggered != nil {
			last = r.LastTriggered.UTC().Format("2006-01-02T15:04:05Z")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\t%s\n", r.ID, r.OwnerID, r.Name, r.Trigger, r.Enabled, r.TriggerCount, last)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d of %d rules\n", len(rules), total)
	return err
}
