// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/sam-fredrickson/xmlmerge"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "xmlmerge:", err)
		os.Exit(1)
	}
}

// settings holds the options shared by every command, after flags and XMLMERGE_*
// environment variables have been resolved.
type settings struct {
	ConfigPath       string
	Namespace        string
	StrictDuplicates bool
	DryRun           bool
	ReportPath       string
	ReportFormat     format
}

func (s settings) configuration() (xmlmerge.Configuration, error) {
	if s.ConfigPath == "" {
		return xmlmerge.DefaultConfiguration(), nil
	}
	return xmlmerge.LoadConfiguration(s.ConfigPath)
}

// report is written by a single-file merge when a report path is set.
type report struct {
	Mode    string            `json:"mode" yaml:"mode" toml:"mode"`
	Base    string            `json:"base" yaml:"base" toml:"base"`
	Update  string            `json:"update" yaml:"update" toml:"update"`
	Output  string            `json:"output,omitempty" yaml:"output,omitempty" toml:"output,omitempty"`
	DryRun  bool              `json:"dryRun,omitempty" yaml:"dryRun,omitempty" toml:"dryRun,omitempty"`
	Changes []xmlmerge.Change `json:"changes" yaml:"changes" toml:"changes"`
}

// treeReport is written by a tree merge when a report path is set.
type treeReport struct {
	Base   string                `json:"base" yaml:"base" toml:"base"`
	Update string                `json:"update" yaml:"update" toml:"update"`
	DryRun bool                  `json:"dryRun,omitempty" yaml:"dryRun,omitempty" toml:"dryRun,omitempty"`
	Files  []xmlmerge.FileResult `json:"files" yaml:"files" toml:"files"`
}

// errDryRunReportStdout rejects a dry run whose report would share stdout with the
// merged document.
var errDryRunReportStdout = errors.New(`--dry-run prints the merged document, so --report cannot be "-"`)

// run merges the update file into the base file using the rules of mode.
//
// The merged document is written to output, or over base when output is empty. With
// DryRun set nothing is written to disk and the merged document goes to stdout.
func run(s settings, mode, base, update, output string, stdout io.Writer, logger zerolog.Logger) error {
	if s.DryRun && s.ReportPath == "-" {
		return errDryRunReportStdout
	}
	cfg, err := s.configuration()
	if err != nil {
		return fmt.Errorf("failed to load merge configuration: %w", err)
	}
	rules, err := cfg.Mode(mode)
	if err != nil {
		return err
	}

	merger, err := xmlmerge.NewMerger(xmlmerge.Options{
		Namespace:        s.Namespace,
		Rules:            rules,
		StrictDuplicates: s.StrictDuplicates,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	var result *xmlmerge.Result
	if s.DryRun {
		var merged []byte
		merged, result, err = merger.DryRun(base, update)
		if err != nil {
			return err
		}
		if _, err := stdout.Write(merged); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	} else {
		result, err = merger.MergeFiles(base, update, output)
		if err != nil {
			return err
		}
		if output == "" {
			output = base
		}
	}

	logger.Info().
		Int("appended", result.Count(xmlmerge.ChangeAppend)).
		Int("updated", result.Count(xmlmerge.ChangeUpdate)).
		Int("synced", result.Count(xmlmerge.ChangeSync)).
		Msg("merge complete")

	if s.ReportPath == "" {
		return nil
	}
	rep := report{
		Mode:    mode,
		Base:    base,
		Update:  update,
		DryRun:  s.DryRun,
		Changes: result.Changes,
	}
	if !s.DryRun {
		rep.Output = output
	}
	return writeReport(s.ReportPath, s.ReportFormat, rep, stdout)
}

// runTree merges every metadata file of updateDir into baseDir.
func runTree(ctx context.Context, s settings, baseDir, updateDir string, jobs int, stdout io.Writer, logger zerolog.Logger) error {
	cfg, err := s.configuration()
	if err != nil {
		return fmt.Errorf("failed to load merge configuration: %w", err)
	}

	results, err := xmlmerge.MergeTree(ctx, cfg, baseDir, updateDir, xmlmerge.TreeOptions{
		Jobs:             jobs,
		Namespace:        s.Namespace,
		StrictDuplicates: s.StrictDuplicates,
		Logger:           logger,
		DryRun:           s.DryRun,
	})
	if err != nil {
		return err
	}

	created, changed := 0, 0
	for _, r := range results {
		if r.Created {
			created++
		}
		if len(r.Changes) > 0 {
			changed++
		}
	}
	logger.Info().
		Int("files", len(results)).
		Int("created", created).
		Int("changed", changed).
		Msg("tree merge complete")

	if s.ReportPath == "" {
		return nil
	}
	if results == nil {
		results = []xmlmerge.FileResult{}
	}
	return writeReport(s.ReportPath, s.ReportFormat, treeReport{
		Base:   baseDir,
		Update: updateDir,
		DryRun: s.DryRun,
		Files:  results,
	}, stdout)
}

// writeReport encodes v to path, or to stdout when path is "-". Without an explicit
// format the format is picked from the path extension, falling back to JSON.
func writeReport(path string, f format, v any, stdout io.Writer) error {
	reportFormat := xmlmerge.Format(f)
	if reportFormat == "" {
		reportFormat = xmlmerge.FormatJSON
		if path != "-" {
			if byExt, err := xmlmerge.FormatFromPath(path); err == nil {
				reportFormat = byExt
			}
		}
	}

	data, err := reportFormat.Marshal(v)
	if err != nil {
		return &xmlmerge.MarshalError{Err: err, Source: "report as " + string(reportFormat)}
	}

	if path == "-" {
		if _, err := stdout.Write(data); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// newLogger builds the console logger used for merge diagnostics.
func newLogger(w io.Writer, level string, noColor bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    noColor,
		TimeFormat: time.Kitchen,
	}).Level(lvl).With().Timestamp().Logger()
}

type format xmlmerge.Format

var _ pflag.Value = (*format)(nil)

func (f *format) String() string {
	return string(*f)
}

func (f *format) Set(value string) error {
	if value == "" {
		*f = ""
		return nil
	}
	parsed, err := xmlmerge.ParseFormat(value)
	if err != nil {
		return err
	}
	*f = format(parsed)
	return nil
}

func (f *format) Type() string {
	return "format"
}
