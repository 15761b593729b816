package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sniffler/sniffler-core/internal/command"
	"github.com/sniffler/sniffler-core/internal/model"
)

// ListenerCmd groups listener create/start/stop/list/remove/test
// under `snifflerd listener ...`, one parent Use string instead of one
// file per verb.
type ListenerCmd struct {
	logger *zap.Logger
}

func newListenerCmd(logger *zap.Logger) *ListenerCmd {
	return &ListenerCmd{logger: logger}
}

func (l *ListenerCmd) GetCmd() *cobra.Command {
	parent := &cobra.Command{
		Use:   "listener",
		Short: "manage sniffler listeners (proxies)",
	}
	parent.AddCommand(l.createCmd(), l.startCmd(), l.stopCmd(), l.removeCmd(), l.listCmd(), l.testCmd())
	return parent
}

func (l *ListenerCmd) surface(cmd *cobra.Command) (*app, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	return newApp(l.logger, dataDir)
}

func (l *ListenerCmd) createCmd() *cobra.Command {
	var name, upstreamHost, protocol string
	var port, upstreamPort int
	var autoStart, outgoing bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "register a new listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := l.surface(cmd)
			if err != nil {
				return err
			}
			snap, err := a.surface.ListenerCreate(command.CreateListenerInput{
				Port:         port,
				UpstreamHost: upstreamHost,
				UpstreamPort: upstreamPort,
				Protocol:     model.Protocol(strings.ToLower(protocol)),
				Name:         name,
				AutoStart:    autoStart,
				Outgoing:     outgoing,
			})
			if err != nil {
				return err
			}
			a.persistAll()
			printListener(snap)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "local port to bind")
	cmd.Flags().StringVar(&upstreamHost, "upstream-host", "", "upstream host")
	cmd.Flags().IntVar(&upstreamPort, "upstream-port", 0, "upstream port")
	cmd.Flags().StringVar(&protocol, "protocol", "", "http|postgresql|mysql|sqlserver|mongodb|redis")
	cmd.Flags().StringVar(&name, "name", "", "human-readable name")
	cmd.Flags().BoolVar(&autoStart, "auto-start", false, "start this listener automatically on daemon boot")
	cmd.Flags().BoolVar(&outgoing, "outgoing", false, "mark this HTTP listener as a proxy to an external system (persisted under outgoing/)")
	return cmd
}

func (l *ListenerCmd) startCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a registered listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := l.surface(cmd)
			if err != nil {
				return err
			}
			snap, err := a.surface.ListenerStart(context.Background(), port)
			if err != nil {
				return err
			}
			printListener(snap)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "port of the listener to start")
	return cmd
}

func (l *ListenerCmd) stopCmd() *cobra.Command {
	var port, graceMs int
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "stop a running listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := l.surface(cmd)
			if err != nil {
				return err
			}
			snap, err := a.surface.ListenerStop(port, graceMs)
			if err != nil {
				return err
			}
			a.persistAll()
			printListener(snap)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "port of the listener to stop")
	cmd.Flags().IntVar(&graceMs, "grace-ms", 1000, "grace period before force-closing connections")
	return cmd
}

func (l *ListenerCmd) removeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "unregister a stopped listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := l.surface(cmd)
			if err != nil {
				return err
			}
			if _, err := a.surface.ListenerRemove(port); err != nil {
				return err
			}
			a.persistAll()
			fmt.Println(color.GreenString("removed listener on port %d", port))
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "port of the listener to remove")
	return cmd
}

func (l *ListenerCmd) listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list every registered listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := l.surface(cmd)
			if err != nil {
				return err
			}
			for _, snap := range a.surface.ListenerList() {
				printListener(snap)
			}
			return nil
		},
	}
	return cmd
}

func (l *ListenerCmd) testCmd() *cobra.Command {
	var host, protocol string
	var port int
	cmd := &cobra.Command{
		Use:   "test",
		Short: "probe an upstream target without registering a listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := l.surface(cmd)
			if err != nil {
				return err
			}
			res := a.surface.ListenerTest(context.Background(), command.ListenerTestInput{Host: host, Port: port})
			if res.Success {
				fmt.Println(color.GreenString("ok: %s", res.Message))
			} else {
				fmt.Println(color.RedString("failed (%s): %s", res.ErrorType, res.Message))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "target host")
	cmd.Flags().IntVar(&port, "port", 0, "target port")
	cmd.Flags().StringVar(&protocol, "protocol", "", "protocol hint (unused by the probe itself, kept for symmetry with listener.create)")
	return cmd
}

func printListener(l model.Listener) {
	stateColor := color.YellowString(string(l.State))
	if l.State == model.StateRunning {
		stateColor = color.GreenString(string(l.State))
	}
	fmt.Printf("%-20s port=%-6d -> %s:%-6d proto=%-10s state=%s mocks_served=%d total=%d\n",
		l.Name, l.Port, l.UpstreamHost, l.UpstreamPort, l.Protocol, stateColor, l.Counters.MocksServed, l.Counters.Total)
}
