// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package tuning

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"

	"github.com/kaito-project/finetune/pkg/utils"
)

// DefaultStopGracePeriod is how long a cancelled trainer gets between
// SIGTERM and SIGKILL.
const DefaultStopGracePeriod = 30 * time.Second

// LocalLauncher runs the tuning command on the current host.
type LocalLauncher struct {
	Log    logr.Logger
	Stdout io.Writer
	Stderr io.Writer
	// WorkDir defaults to the current directory.
	WorkDir     string
	GracePeriod time.Duration
}

// Launch runs command through the shell with env added to the process
// environment and waits for it to exit. Cancelling ctx stops the trainer.
func (l *LocalLauncher) Launch(ctx context.Context, command string, env map[string]string) error {
	argv := utils.ShellCmd(command)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = l.WorkDir
	cmd.Stdout = lo.Ternary[io.Writer](l.Stdout != nil, l.Stdout, os.Stdout)
	cmd.Stderr = lo.Ternary[io.Writer](l.Stderr != nil, l.Stderr, os.Stderr)

	keys := lo.Keys(env)
	sort.Strings(keys)
	cmd.Env = append(os.Environ(), lo.Map(keys, func(k string, _ int) string {
		return k + "=" + env[k]
	})...)

	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = lo.Ternary(l.GracePeriod > 0, l.GracePeriod, DefaultStopGracePeriod)

	l.Log.Info("Launching trainer", "command", command, "env", keys)
	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("trainer stopped: %w", ctx.Err())
		}
		return fmt.Errorf("trainer failed: %w", err)
	}
	l.Log.Info("Trainer finished", "duration", time.Since(start).Round(time.Second))
	return nil
}
