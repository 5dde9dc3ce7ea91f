package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/taskwire/pkg/client"
)

func dialClient(global *GlobalFlags) (*client.Client, error) {
	return client.Dial(global.ServerAddr, client.Config{})
}

// StartFlags holds flags for the start command.
type StartFlags struct {
	Name         string
	Args         []string
	Env          []string
	NameMappings []string
	Wait         time.Duration
}

func newStartCommand(global *GlobalFlags) *cobra.Command {
	flags := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start <deployment>",
		Short: "Start a deployment on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialClient(global)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			name := flags.Name
			if name == "" {
				name = args[0]
			}
			mappings, err := parseMappings(flags.NameMappings)
			if err != nil {
				return err
			}
			pid, err := c.Start(name, args[0], client.StartOptions{
				Args:         flags.Args,
				Env:          flags.Env,
				NameMappings: mappings,
			})
			if err != nil {
				return err
			}
			fmt.Printf("started %s (pid %d)\n", name, pid)
			if flags.Wait > 0 {
				if err := c.WaitRunning(name, flags.Wait); err != nil {
					return fmt.Errorf("started but not running after %s: %w", flags.Wait, err)
				}
				fmt.Printf("%s is running\n", name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "process name (defaults to deployment name)")
	cmd.Flags().StringArrayVar(&flags.Args, "arg", nil, "extra argument (repeatable)")
	cmd.Flags().StringArrayVar(&flags.Env, "env", nil, "extra KEY=VALUE env entry (repeatable)")
	cmd.Flags().StringArrayVar(&flags.NameMappings, "map", nil, "task name mapping from:to (repeatable)")
	cmd.Flags().DurationVar(&flags.Wait, "wait", 0, "wait until running, e.g. 10s")
	return cmd
}

func parseMappings(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(raw))
	for _, r := range raw {
		i := strings.IndexByte(r, ':')
		if i <= 0 || i == len(r)-1 {
			return nil, fmt.Errorf("bad mapping %q, want from:to", r)
		}
		m[r[:i]] = r[i+1:]
	}
	return m, nil
}

// EndFlags holds flags for the end command.
type EndFlags struct {
	Hard    bool
	Cleanup bool
	Join    bool
}

func newEndCommand(global *GlobalFlags) *cobra.Command {
	flags := &EndFlags{}
	cmd := &cobra.Command{
		Use:   "end <name>",
		Short: "Stop a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialClient(global)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			if err := c.End(args[0], flags.Hard, flags.Cleanup); err != nil {
				return err
			}
			if !flags.Join {
				fmt.Printf("stop requested for %s\n", args[0])
				return nil
			}
			d, err := c.Join(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s exited (code %d, signal %d)\n", d.Name, d.Code, d.Signal)
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.Hard, "hard", false, "SIGKILL instead of graceful stop")
	cmd.Flags().BoolVar(&flags.Cleanup, "cleanup", false, "run cleanup commands first")
	cmd.Flags().BoolVar(&flags.Join, "join", false, "wait for the process to exit")
	return cmd
}

func newPidCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pid <name>",
		Short: "Print the PID of a running process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialClient(global)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			pid, err := c.GetPID(args[0])
			if err != nil {
				return err
			}
			fmt.Println(pid)
			return nil
		},
	}
}

func newInfoCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the server process table",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialClient(global)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			info, err := c.Info()
			if err != nil {
				return err
			}
			fmt.Printf("server pid %d, %d client(s), %d process(es)\n", info.ServerPID, info.Clients, len(info.Processes))
			for _, p := range info.Processes {
				state := "dead"
				if p.Alive {
					state = "alive"
				}
				fmt.Printf("  %-20s %-20s pid=%-7d %s\n", p.Name, p.Deployment, p.PID, state)
			}
			return nil
		},
	}
}

// CreateLogFlags holds flags for the create-log command.
type CreateLogFlags struct {
	TimeTag  string
	Metadata []string
}

func newCreateLogCommand(global *GlobalFlags) *cobra.Command {
	flags := &CreateLogFlags{}
	cmd := &cobra.Command{
		Use:   "create-log",
		Short: "Create a time-tagged log directory on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialClient(global)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			md := make(map[string]string, len(flags.Metadata))
			for _, kv := range flags.Metadata {
				i := strings.IndexByte(kv, '=')
				if i < 0 {
					return fmt.Errorf("bad metadata %q, want key=value", kv)
				}
				md[kv[:i]] = kv[i+1:]
			}
			dir, err := c.CreateLog(flags.TimeTag, md)
			if err != nil {
				return err
			}
			fmt.Println(dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.TimeTag, "time-tag", "", "time tag (defaults to server-side timestamp)")
	cmd.Flags().StringArrayVar(&flags.Metadata, "meta", nil, "metadata key=value (repeatable)")
	return cmd
}

func newKillAllCommand(global *GlobalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "killall",
		Short: "Stop every process on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialClient(global)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			exits, err := c.KillAll(timeout)
			if err != nil {
				return err
			}
			for _, e := range exits {
				fmt.Printf("%s exited (code %d, signal %d)\n", e.Name, e.Code, e.Signal)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for processes to exit")
	return cmd
}

// UploadFlags holds flags for the upload command.
type UploadFlags struct {
	Host     string
	Port     int
	User     string
	Password string
	CertFile string
	MaxRate  int
}

func newUploadCommand(global *GlobalFlags) *cobra.Command {
	flags := &UploadFlags{}
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Queue a server-side log file for upload to an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cert []byte
			if flags.CertFile != "" {
				var err error
				cert, err = os.ReadFile(flags.CertFile)
				if err != nil {
					return fmt.Errorf("read cert: %w", err)
				}
			}
			c, err := dialClient(global)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			id, err := c.Upload(client.UploadSpec{
				Host:           flags.Host,
				Port:           flags.Port,
				User:           flags.User,
				Password:       flags.Password,
				CertPEM:        cert,
				Path:           args[0],
				MaxBytesPerSec: flags.MaxRate,
			})
			if err != nil {
				return err
			}
			fmt.Printf("queued upload %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Host, "host", "", "archive host (server default when omitted)")
	cmd.Flags().IntVar(&flags.Port, "port", 0, "archive port (server default when omitted)")
	cmd.Flags().StringVar(&flags.User, "user", "", "archive user")
	cmd.Flags().StringVar(&flags.Password, "password", "", "archive password")
	cmd.Flags().StringVar(&flags.CertFile, "cert", "", "PEM certificate pinning the archive server")
	cmd.Flags().IntVar(&flags.MaxRate, "max-rate", 0, "bytes per second, 0 for unlimited")
	return cmd
}

func newUploadStateCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "upload-state",
		Short: "Show pending uploads and drain finished results",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialClient(global)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			pending, results, err := c.UploadState()
			if err != nil {
				return err
			}
			fmt.Printf("%d pending\n", pending)
			for _, r := range results {
				if r.OK {
					fmt.Printf("  ok   %s\n", r.Path)
				} else {
					fmt.Printf("  fail %s: %s\n", r.Path, r.Message)
				}
			}
			return nil
		},
	}
}

func newWaitRunningCommand(global *GlobalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait-running <name>",
		Short: "Wait until a process is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialClient(global)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			if err := c.WaitRunning(args[0], timeout); err != nil {
				return err
			}
			fmt.Printf("%s is running\n", args[0])
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to keep polling")
	return cmd
}

func newQuitCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "quit",
		Short: "Shut the server down",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialClient(global)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			return c.Quit()
		},
	}
}
