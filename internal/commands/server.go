package commands

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcushq/marcus/internal/app"
	"github.com/marcushq/marcus/internal/logging"
	"github.com/marcushq/marcus/internal/marcuserr"
)

// NewServerCmd groups the server lifecycle commands.
func NewServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run and manage the coordination server",
	}
	cmd.AddCommand(newServerStartCmd())
	cmd.AddCommand(newServerStopCmd())
	cmd.AddCommand(newServerStatusCmd())
	return cmd
}

func pidfilePath() (string, error) {
	dir, err := app.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "marcus.pid"), nil
}

func newServerStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the server in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}

			a, err := app.Build(cfg, app.Options{})
			if err != nil {
				return err
			}

			pidfile, err := pidfilePath()
			if err != nil {
				a.Close()
				return err
			}
			if err := writePidfile(pidfile); err != nil {
				a.Close()
				return err
			}
			defer func() { _ = os.Remove(pidfile) }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger := logging.WithComponent("cli")
			logger.Info().Int("pid", os.Getpid()).Msg("server starting")
			return a.Run(ctx)
		},
	}
}

func newServerStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Signal a running server to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidfile, err := pidfilePath()
			if err != nil {
				return err
			}
			pid, err := readPidfile(pidfile)
			if err != nil {
				return err
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return marcuserr.Wrap(marcuserr.KindBusinessLogic, err, "server process not found")
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return marcuserr.Wrap(marcuserr.KindBusinessLogic, err, "could not signal server")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent SIGTERM to pid %d\n", pid)
			return nil
		},
	}
}

func newServerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a server is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidfile, err := pidfilePath()
			if err != nil {
				return err
			}
			pid, err := readPidfile(pidfile)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "server: not running")
				return nil
			}
			if !processAlive(pid) {
				fmt.Fprintf(cmd.OutOrStdout(), "server: not running (stale pidfile, pid %d)\n", pid)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server: running (pid %d)\n", pid)
			return nil
		},
	}
}

func writePidfile(path string) error {
	if pid, err := readPidfile(path); err == nil && processAlive(pid) {
		return marcuserr.BusinessLogic(fmt.Sprintf("server already running (pid %d)", pid))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return marcuserr.Wrap(marcuserr.KindStorage, err, "cannot create data directory")
	}
	content := strconv.Itoa(os.Getpid()) + "\n" + time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return marcuserr.Wrap(marcuserr.KindStorage, err, "cannot write pidfile")
	}
	return nil
}

func readPidfile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	lines := strings.SplitN(strings.TrimSpace(string(b)), "\n", 2)
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, marcuserr.Wrap(marcuserr.KindStorage, err, "pidfile is unreadable")
	}
	return pid, nil
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
