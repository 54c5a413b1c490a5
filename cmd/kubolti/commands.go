package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/doublemover/kubolti/internal/archive"
	"github.com/doublemover/kubolti/internal/build"
	"github.com/doublemover/kubolti/internal/dem"
	"github.com/doublemover/kubolti/internal/patch"
	"github.com/doublemover/kubolti/internal/raster"
	runnerpkg "github.com/doublemover/kubolti/internal/runner"
	"github.com/doublemover/kubolti/internal/tool"
	"github.com/doublemover/kubolti/internal/xplane"
)

// newNormalizeCmd runs only the DEM normalization pipeline.
func newNormalizeCmd() *cobra.Command {
	flags := &buildFlags{}
	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Normalize DEM inputs into per-tile artifacts without building",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			config, err := flags.toConfig(cmd)
			if err != nil {
				return err
			}
			// Normalization only: the backend and validation never run.
			config.Runner = nil
			config.DSFTool = nil
			config.XP12Root = ""
			config.Validation = "none"
			scheduler, err := build.NewScheduler(log, config)
			if err != nil {
				return err
			}
			report, err := scheduler.Run(cmd.Context())
			if err != nil {
				return err
			}
			for _, status := range report.Tiles {
				coverage := ""
				if status.Coverage != nil {
					coverage = fmt.Sprintf(" coverage=%.4f", status.Coverage.CoverageAfter)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s%s\n", status.Tile, status.Status, coverage)
			}
			if code := report.ExitCode(); code != build.ExitOK {
				return exitCodeError{code: code}
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newPatchCmd() *cobra.Command {
	var planPath string
	var lockPath string
	var output string
	var deterministic bool
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Apply DEM patches to selected tiles into a separate build tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			plan, err := patch.LoadPlan(planPath)
			if err != nil {
				return err
			}
			baseConfig, err := build.LoadConfig(lockPath)
			if err != nil {
				return err
			}
			report, err := patch.Run(cmd.Context(), log, plan, patch.Options{
				BaseConfig:    baseConfig,
				PatchedOutput: output,
				Deterministic: deterministic,
			})
			if err != nil {
				return err
			}
			for _, tile := range report.Tiles {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", tile.Tile, tile.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "patch plan file (JSON)")
	cmd.Flags().StringVar(&lockPath, "base-lock", "", "base build's build_config.lock.json")
	cmd.Flags().StringVar(&output, "output", "", "patched build tree")
	cmd.Flags().BoolVar(&deterministic, "deterministic", false, "omit timestamps")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("base-lock")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

// newValidateCmd re-validates an existing build tree.
func newValidateCmd() *cobra.Command {
	flags := &buildFlags{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Re-validate the DSFs of an existing build",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			config, err := flags.toConfig(cmd)
			if err != nil {
				return err
			}
			config.Resume = build.ResumeValidateOnly
			scheduler, err := build.NewScheduler(log, config)
			if err != nil {
				return err
			}
			report, err := scheduler.Run(cmd.Context())
			if err != nil {
				return err
			}
			if code := report.ExitCode(); code != build.ExitOK {
				return exitCodeError{code: code}
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newCleanCmd() *cobra.Command {
	var output string
	var keep int
	var orthoRoot string
	var tiles []string
	var categories []string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Evict old normalization cache entries and backend tile caches",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "" {
				cache := &dem.Cache{Root: filepath.Join(output, "normalized")}
				removed, err := cache.Clean(keep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d cache entries\n", removed)
			}
			if orthoRoot != "" {
				for _, name := range tiles {
					tile, err := xplane.ParseTile(name)
					if err != nil {
						return err
					}
					removed := runnerpkg.PurgeTileCacheEntries(orthoRoot, tile, categories, dryRun)
					for category, paths := range removed {
						for _, path := range paths {
							fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", tile.Name(), category, path)
						}
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "build tree whose normalization cache to clean")
	cmd.Flags().IntVar(&keep, "keep", 64, "cache entries to keep")
	cmd.Flags().StringVar(&orthoRoot, "ortho-root", "", "Ortho4XP root whose tile caches to purge")
	cmd.Flags().StringSliceVar(&tiles, "tile", nil, "tile to purge (repeatable)")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "cache category: osm|elevation|imagery")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")
	return cmd
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect DEM...",
		Short: "Print detected DEM metadata as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			for _, path := range args {
				info, err := raster.Inspect(path)
				if err != nil {
					return err
				}
				estimate, err := raster.EstimateTriangles(path)
				if err != nil {
					return err
				}
				if err := encoder.Encode(struct {
					DEM       raster.Info             `json:"dem"`
					Triangles raster.TriangleEstimate `json:"triangles"`
				}{DEM: info, Triangles: estimate}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return cmd
}

func newInstallToolsCmd() *cobra.Command {
	var archivePath string
	var destination string
	var dsftool []string
	var ddstool []string
	var runnerCmd []string
	var sevenzip []string
	var pathsFile string
	cmd := &cobra.Command{
		Use:   "install-tools",
		Short: "Extract tool archives safely and record tool paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			if archivePath != "" {
				if destination == "" {
					return fmt.Errorf("--dest is required with --archive")
				}
				extracted, err := archive.Extract(archivePath, destination)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "extracted %d files to %s\n", len(extracted), destination)
			}
			if len(dsftool)+len(ddstool)+len(runnerCmd)+len(sevenzip) == 0 {
				return nil
			}
			if pathsFile == "" {
				defaultPath, err := tool.DefaultPathsFile()
				if err != nil {
					return err
				}
				pathsFile = defaultPath
			}
			paths, err := tool.LoadPaths(pathsFile)
			if err != nil {
				return err
			}
			if len(dsftool) > 0 {
				paths.DSFTool = tool.Command(dsftool)
			}
			if len(ddstool) > 0 {
				paths.DDSTool = tool.Command(ddstool)
			}
			if len(runnerCmd) > 0 {
				paths.Runner = tool.Command(runnerCmd)
			}
			if len(sevenzip) > 0 {
				paths.SevenZip = tool.Command(sevenzip)
			}
			if err := tool.SavePaths(pathsFile, paths); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tool paths written to %s\n", pathsFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&archivePath, "archive", "", "tool archive to extract (.zip, .tar.gz, .tar.zst)")
	cmd.Flags().StringVar(&destination, "dest", "", "extraction destination")
	cmd.Flags().StringSliceVar(&dsftool, "dsftool", nil, "DSFTool command token (repeatable)")
	cmd.Flags().StringSliceVar(&ddstool, "ddstool", nil, "DDSTool command token (repeatable)")
	cmd.Flags().StringSliceVar(&runnerCmd, "runner", nil, "runner command token (repeatable)")
	cmd.Flags().StringSliceVar(&sevenzip, "sevenzip", nil, "7z command token (repeatable)")
	cmd.Flags().StringVar(&pathsFile, "paths-file", "", "tool paths file (defaults to the user config dir)")
	return cmd
}
