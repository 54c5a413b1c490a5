// Command kubolti converts DEM rasters into X-Plane 12 base-mesh DSF
// tiles by normalizing inputs, driving an Ortho4XP backend per tile, and
// validating the results.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/doublemover/kubolti/internal/build"
)

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

var (
	flagVerbose bool
	flagLogJSON bool
)

func newLogger() (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if !flagLogJSON {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	if flagVerbose {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return config.Build()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kubolti",
		Short:         "Build X-Plane 12 base-mesh DSF tiles from DEM rasters",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit logs as JSON")

	rootCmd.AddCommand(
		newBuildCmd(),
		newNormalizeCmd(),
		newPatchCmd(),
		newValidateCmd(),
		newCleanCmd(),
		newInspectCmd(),
		newInstallToolsCmd(),
	)
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var exitErr exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		if ctx.Err() != nil {
			os.Exit(build.ExitCancelled)
		}
		os.Exit(build.ExitInvalidInput)
	}
}
