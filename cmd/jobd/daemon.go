package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/flemzord/jobd/pkg/app"
)

// daemonFlags override the configuration file for the daemon process.
type daemonFlags struct {
	config   string
	dataDir  string
	logLevel string
}

func (f *daemonFlags) register(cmd *cobra.Command, persistent bool) {
	fs := cmd.Flags()
	if persistent {
		fs = cmd.PersistentFlags()
	}
	fs.StringVarP(&f.config, "config", "c", "", "Path to configuration file")
	fs.StringVar(&f.dataDir, "data-dir", "", "Data directory (overrides daemon.data_dir)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn or error")
}

func (f *daemonFlags) params(socket string) app.RunParams {
	return app.RunParams{
		ConfigPath: f.config,
		Version:    version,
		Commit:     commit,
		Date:       date,
		DataDir:    f.dataDir,
		Socket:     socket,
		LogLevel:   f.logLevel,
	}
}

func daemonCmd(g *globalFlags) *cobra.Command {
	f := &daemonFlags{}
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the job daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			params := f.params(g.socket)
			if service.Interactive() {
				return app.Run(params)
			}
			// Under a service manager, let it drive start and stop.
			s, err := newService(&program{params: params}, nil)
			if err != nil {
				return err
			}
			return s.Run()
		},
	}
	f.register(cmd, false)
	return cmd
}

// program adapts the daemon to the service manager's lifecycle.
type program struct {
	params app.RunParams
	daemon *app.Daemon
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(service.Service) error {
	d, err := app.Start(context.Background(), p.params)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.daemon, p.cancel, p.done = d, cancel, make(chan struct{})
	go func() {
		defer close(p.done)
		d.HandleReloads(ctx)
	}()
	return nil
}

func (p *program) Stop(service.Service) error {
	if p.daemon == nil {
		return nil
	}
	p.cancel()
	<-p.done
	return p.daemon.Stop()
}

// newService describes jobd as a per-user service running `jobd daemon`
// with args.
func newService(prg service.Interface, args []string) (service.Service, error) {
	cfg := &service.Config{
		Name:        "jobd",
		DisplayName: "jobd job daemon",
		Description: "Runs scheduled and on-demand jobs and records their executions.",
		Arguments:   append([]string{"daemon"}, args...),
		Option: service.KeyValue{
			"UserService": true,
			"Restart":     "on-failure",
		},
	}
	s, err := service.New(prg, cfg)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	return s, nil
}

func serviceCmd(g *globalFlags) *cobra.Command {
	f := &daemonFlags{}
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install and control jobd as a per-user service",
	}
	f.register(cmd, true)

	for _, action := range []struct{ name, short string }{
		{"install", "Install the user service"},
		{"uninstall", "Remove the user service"},
		{"start", "Start the user service"},
		{"stop", "Stop the user service"},
		{"restart", "Restart the user service"},
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   action.name,
			Short: action.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				args, err := f.serviceArgs(g.socket)
				if err != nil {
					return err
				}
				s, err := newService(&program{}, args)
				if err != nil {
					return err
				}
				if err := service.Control(s, action.name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "service %s: ok\n", action.name)
				return nil
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the user service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newService(&program{}, nil)
			if err != nil {
				return err
			}
			st, err := s.Status()
			if errors.Is(err, service.ErrNotInstalled) {
				fmt.Fprintln(cmd.OutOrStdout(), "not installed")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), serviceStatus(st))
			return nil
		},
	})
	return cmd
}

// serviceArgs turns the service flags into daemon arguments recorded in
// the service definition. Paths are made absolute since the service does
// not start in the current directory.
func (f *daemonFlags) serviceArgs(socket string) ([]string, error) {
	var args []string
	abs := func(flag, path string) error {
		if path == "" {
			return nil
		}
		p, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		args = append(args, "--"+flag, p)
		return nil
	}
	if err := abs("config", f.config); err != nil {
		return nil, err
	}
	if err := abs("data-dir", f.dataDir); err != nil {
		return nil, err
	}
	if err := abs("socket", socket); err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		args = append(args, "--log-level", f.logLevel)
	}
	return args, nil
}

func serviceStatus(st service.Status) string {
	switch st {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
