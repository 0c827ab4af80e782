// kernos boots the simulated machine and runs user programs on it.
//
// Machine parameters come from KERNOS_* environment variables, for example
// KERNOS_RAM_PAGES, KERNOS_MAX_THREADS, KERNOS_PID_MAX and KERNOS_LOG_LEVEL.
// KERNOS_IMAGE_DIR mounts a host image directory when --image-dir is not given.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kernos/pkg/config"
	"kernos/pkg/kernel"
	"kernos/pkg/logging"
	"kernos/pkg/metrics"
	"kernos/pkg/userland"
)

const (
	appName    = "kernos"
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:     appName,
	Short:   "Process-control core of a teaching operating system",
	Version: appVersion,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().String("manifest", "", "YAML boot manifest with extra images and programs to run")
	rootCmd.PersistentFlags().String("image-dir", "", "Host directory of program images to mount under /")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(mkimageCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootKernel loads configuration and boots a machine with the built-in
// programs and any manifest images installed.
func bootKernel(cmd *cobra.Command, m *metrics.Metrics) (*kernel.Kernel, *config.Manifest, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	opts := []kernel.Option{
		kernel.WithLogger(log),
		kernel.WithMetrics(m),
		kernel.WithConsole(cmd.OutOrStdout()),
	}
	dir, _ := cmd.Flags().GetString("image-dir")
	if dir == "" {
		dir = cfg.Machine.ImageDir
	}
	if dir != "" {
		opts = append(opts, kernel.WithImageDir(dir))
	}

	k, err := kernel.Boot(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := userland.Install(k); err != nil {
		return nil, nil, err
	}

	manifest := &config.Manifest{}
	if path, _ := cmd.Flags().GetString("manifest"); path != "" {
		if manifest, err = config.LoadManifest(path); err != nil {
			return nil, nil, err
		}
		if err := k.InstallManifest(manifest); err != nil {
			return nil, nil, err
		}
	}
	return k, manifest, nil
}
