// SPDX-License-Identifier: Apache-2.0

package xmlmerge

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultSuffixes maps Salesforce metadata file suffixes to the modes of
// [DefaultConfiguration].
var DefaultSuffixes = map[string]string{
	".profile":                "profiles",
	".profile-meta.xml":       "profiles",
	".permissionset":          "permissionSets",
	".permissionset-meta.xml": "permissionSets",
	".object":                 "customObjects",
	".object-meta.xml":        "customObjects",
}

// TreeOptions configures [MergeTree].
type TreeOptions struct {
	// Suffixes maps file name suffixes to configuration modes. The longest matching
	// suffix wins. Defaults to [DefaultSuffixes].
	Suffixes map[string]string

	// Jobs bounds the number of files merged concurrently. Defaults to GOMAXPROCS.
	Jobs int

	// Namespace, StrictDuplicates and Logger are passed on to each file's [Merger].
	Namespace        string
	StrictDuplicates bool
	Logger           zerolog.Logger

	// DryRun merges every file without writing anything.
	DryRun bool
}

// FileResult is the outcome of merging one file of a tree.
type FileResult struct {
	// Path is relative to the tree roots.
	Path string `json:"path" yaml:"path" toml:"path"`
	Mode string `json:"mode" yaml:"mode" toml:"mode"`
	// Created is set when the base tree had no such file and the update was copied.
	Created bool     `json:"created,omitempty" yaml:"created,omitempty" toml:"created,omitempty"`
	Changes []Change `json:"changes,omitempty" yaml:"changes,omitempty" toml:"changes,omitempty"`
}

type treeJob struct {
	path string
	mode string
}

// MergeTree merges every file of updateDir whose suffix maps to a mode into the file at
// the same relative path under baseDir. Base files that do not exist are created as
// copies of the update file. Files without a mode are skipped.
//
// All modes are resolved before any file is touched. Files are merged concurrently; the
// first failure cancels the remaining merges and is returned together with the results
// gathered so far.
func MergeTree(ctx context.Context, cfg Configuration, baseDir, updateDir string, opts TreeOptions) ([]FileResult, error) {
	for _, input := range []struct{ role, path string }{
		{"base directory", baseDir},
		{"update directory", updateDir},
	} {
		info, err := os.Stat(input.path)
		if err != nil || !info.IsDir() {
			return nil, &InputNotFoundError{Path: input.path, Role: input.role}
		}
	}

	suffixes := opts.Suffixes
	if suffixes == nil {
		suffixes = DefaultSuffixes
	}
	jobs, err := collectTreeJobs(updateDir, suffixes)
	if err != nil {
		return nil, err
	}

	mergers := make(map[string]*Merger)
	for _, job := range jobs {
		if _, ok := mergers[job.mode]; ok {
			continue
		}
		rules, err := cfg.Mode(job.mode)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", job.path, err)
		}
		merger, err := NewMerger(Options{
			Namespace:        opts.Namespace,
			Rules:            rules,
			StrictDuplicates: opts.StrictDuplicates,
			Logger:           opts.Logger.With().Str("mode", job.mode).Logger(),
		})
		if err != nil {
			return nil, err
		}
		mergers[job.mode] = merger
	}

	limit := opts.Jobs
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	results := make([]FileResult, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, job := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := mergeTreeFile(mergers[job.mode], baseDir, updateDir, job, opts.DryRun)
			if err != nil {
				return fmt.Errorf("%s: %w", job.path, err)
			}
			results[i] = r
			return nil
		})
	}
	err = g.Wait()

	done := results[:0]
	for _, r := range results {
		if r.Path != "" {
			done = append(done, r)
		}
	}
	return done, err
}

func collectTreeJobs(updateDir string, suffixes map[string]string) ([]treeJob, error) {
	var jobs []treeJob
	err := filepath.WalkDir(updateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		mode := modeForName(d.Name(), suffixes)
		if mode == "" {
			return nil
		}
		rel, err := filepath.Rel(updateDir, path)
		if err != nil {
			return err
		}
		jobs = append(jobs, treeJob{path: rel, mode: mode})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].path < jobs[j].path })
	return jobs, nil
}

// modeForName returns the mode of the longest suffix matching name, or "".
func modeForName(name string, suffixes map[string]string) string {
	var best, mode string
	for suffix, m := range suffixes {
		if strings.HasSuffix(name, suffix) && len(suffix) > len(best) {
			best, mode = suffix, m
		}
	}
	return mode
}

func mergeTreeFile(m *Merger, baseDir, updateDir string, job treeJob, dryRun bool) (FileResult, error) {
	result := FileResult{Path: job.path, Mode: job.mode}
	basePath := filepath.Join(baseDir, job.path)
	updatePath := filepath.Join(updateDir, job.path)

	if _, err := os.Stat(basePath); os.IsNotExist(err) {
		result.Created = true
		m.opts.Logger.Info().Str("path", job.path).Msg("creating file missing from base")
		if dryRun {
			return result, nil
		}
		data, err := os.ReadFile(updatePath)
		if err != nil {
			return result, err
		}
		return result, writeFile(basePath, data)
	}

	if dryRun {
		_, merged, err := m.DryRun(basePath, updatePath)
		if err != nil {
			return result, err
		}
		result.Changes = merged.Changes
		return result, nil
	}

	merged, err := m.MergeFiles(basePath, updatePath, "")
	if err != nil {
		return result, err
	}
	result.Changes = merged.Changes
	return result, nil
}
