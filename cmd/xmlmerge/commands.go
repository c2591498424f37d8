// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sam-fredrickson/xmlmerge"
)

const envPrefix = "XMLMERGE"

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	var reportFormat format

	root := &cobra.Command{
		Use:   "xmlmerge [flags] BASE UPDATE",
		Short: "Merge Salesforce metadata XML files",
		Long: `Merges Salesforce metadata XML files. Root elements of the update document are
matched against the base document by keys configured per element type; new elements
are appended and matching elements are updated. The result is written with its root
elements sorted by tag.

Every flag can also be set with an XMLMERGE_* environment variable, for example
XMLMERGE_MODE=customObjects.`,
		Example: `  # merge a retrieved profile into the repository copy
  xmlmerge -m profiles src/profiles/Admin.profile retrieved/profiles/Admin.profile

  # preview the merge of a custom object and print a YAML change report
  xmlmerge -m customObjects --dry-run --report - --report-format yaml base.object update.object`,
		Version:       version,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := bindEnv(cmd)
			if err != nil {
				return err
			}
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			logger := loggerFor(v, stderr)
			return run(s, v.GetString("mode"), args[0], args[1], v.GetString("output"), stdout, logger)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "merge configuration file (.json, .yaml or .toml; defaults to the built-in configuration)")
	flags.StringP("namespace", "n", xmlmerge.SalesforceNamespace, "namespace URI of both documents")
	flags.BoolP("debug", "d", false, "debug mode")
	flags.BoolP("quiet", "q", false, "only log warnings and errors")
	flags.String("log-level", "", "log level [trace, debug, info, warn, error]")
	flags.Bool("no-color", false, "disable colored log output")
	flags.Bool("strict-duplicates", false, "fail on duplicate keys in the base document")
	flags.Bool("dry-run", false, "merge without writing any file")
	flags.String("report", "", `write a change report to this file ("-" for stdout)`)
	flags.Var(&reportFormat, "report-format", `report format [json, yaml, toml] (defaults to the report file extension)`)

	root.Flags().StringP("mode", "m", "profiles", "merge mode selecting the configuration entry")
	root.Flags().StringP("output", "o", "", "output file (defaults to overwriting BASE)")

	root.AddCommand(newTreeCommand(stdout, stderr), newModesCommand(stdout))
	return root
}

func newTreeCommand(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree [flags] BASE_DIR UPDATE_DIR",
		Short: "Merge every metadata file of a directory tree",
		Long: `Merges each profile, permission set and custom object file found under UPDATE_DIR
into the file at the same relative path under BASE_DIR. The mode is picked from the
file suffix. Files missing from BASE_DIR are copied.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := bindEnv(cmd)
			if err != nil {
				return err
			}
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			logger := loggerFor(v, stderr)
			return runTree(cmd.Context(), s, args[0], args[1], v.GetInt("jobs"), stdout, logger)
		},
	}
	cmd.Flags().IntP("jobs", "j", 0, "files merged concurrently (defaults to the number of CPUs)")
	return cmd
}

func newModesCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List the modes of the merge configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := bindEnv(cmd)
			if err != nil {
				return err
			}
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			cfg, err := s.configuration()
			if err != nil {
				return err
			}
			for _, mode := range cfg.Modes() {
				if _, err := fmt.Fprintf(stdout, "%s\t%d element types\n", mode, len(cfg[mode])); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// bindEnv returns a viper instance resolving every flag of cmd, with XMLMERGE_*
// environment variables taking effect for flags not set on the command line.
func bindEnv(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	return v, nil
}

func loadSettings(v *viper.Viper) (settings, error) {
	s := settings{
		ConfigPath:       v.GetString("config"),
		Namespace:        v.GetString("namespace"),
		StrictDuplicates: v.GetBool("strict-duplicates"),
		DryRun:           v.GetBool("dry-run"),
		ReportPath:       v.GetString("report"),
	}
	if err := s.ReportFormat.Set(v.GetString("report-format")); err != nil {
		return s, err
	}
	return s, nil
}

// loggerFor resolves the log level: --log-level wins over --debug, which wins over
// --quiet.
func loggerFor(v *viper.Viper, stderr io.Writer) zerolog.Logger {
	level := v.GetString("log-level")
	if level == "" {
		switch {
		case v.GetBool("debug"):
			level = "debug"
		case v.GetBool("quiet"):
			level = "warn"
		default:
			level = "info"
		}
	}
	return newLogger(stderr, level, v.GetBool("no-color"))
}
