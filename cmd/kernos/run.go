package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"kernos/pkg/config"
	"kernos/pkg/kernel"
	"kernos/pkg/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run [-- path [args...]]",
	Short: "Boot and run programs until the machine is idle",
	Long: `Boot the machine, start every program named on the command line or in
the manifest's run list as a process of its own, and wait until all
processes are gone.

Examples:
  kernos run -- /bin/forktest forktest 8
  kernos run -- /bin/argtest argtest a bb
  kernos run --manifest boot.yaml
  kernos run --metrics-addr :9100 -- /bin/widefork`,
	RunE: runPrograms,
}

func init() {
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while running")
	runCmd.Flags().Duration("linger", 0, "Keep serving metrics this long after the machine is idle")
}

func runPrograms(cmd *cobra.Command, args []string) error {
	m := metrics.New()
	k, manifest, err := bootKernel(cmd, m)
	if err != nil {
		return err
	}

	runs := append([]config.RunCommand(nil), manifest.Run...)
	if len(args) > 0 {
		runs = append(runs, config.RunCommand{Path: args[0], Args: args})
	}
	if len(runs) == 0 {
		return errors.New("nothing to run")
	}

	var srv *http.Server
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		srv = &http.Server{Addr: addr, Handler: m.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(cmd.ErrOrStderr(), "metrics server: %v\n", err)
			}
		}()
	}

	var (
		mu     sync.Mutex
		failed int
	)
	g, ctx := errgroup.WithContext(cmd.Context())
	for _, run := range runs {
		g.Go(func() error {
			code, pid, err := runOne(ctx, k, run)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(cmd.OutOrStdout(), "pid %d: %s exited with %d\n", pid, run.Path, code)
			if code != 0 {
				failed++
			}
			return nil
		})
	}
	err = g.Wait()
	k.Shutdown()

	if srv != nil {
		if linger, _ := cmd.Flags().GetDuration("linger"); linger > 0 {
			time.Sleep(linger)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}

	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d programs failed", failed, len(runs))
	}
	return nil
}

// runOne starts one program and waits for it to exit.
func runOne(ctx context.Context, k *kernel.Kernel, run config.RunCommand) (code, pid int, err error) {
	p, err := k.RunProgram(run.Path, run.Args...)
	if err != nil {
		return 0, 0, err
	}

	done := make(chan int, 1)
	go func() { done <- p.AwaitExit() }()
	select {
	case code := <-done:
		return code, p.PID, nil
	case <-ctx.Done():
		return 0, p.PID, ctx.Err()
	}
}
