package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sniffler/sniffler-core/internal/command"
	"github.com/sniffler/sniffler-core/internal/model"
)

// MockCmd groups mock.add/toggle/remove/list under
// `snifflerd mock ...`.
type MockCmd struct {
	logger *zap.Logger
}

func newMockCmd(logger *zap.Logger) *MockCmd {
	return &MockCmd{logger: logger}
}

func (m *MockCmd) GetCmd() *cobra.Command {
	parent := &cobra.Command{
		Use:   "mock",
		Short: "manage stored mocks",
	}
	parent.AddCommand(m.addCmd(), m.toggleCmd(), m.removeCmd(), m.listCmd())
	return parent
}

func (m *MockCmd) surface(cmd *cobra.Command) (*app, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	return newApp(m.logger, dataDir)
}

func (m *MockCmd) addCmd() *cobra.Command {
	var port, statusCode int
	var fingerprint, bodyJSON, name string
	var enabled bool

	cmd := &cobra.Command{
		Use:   "add",
		Short: "add a mock at a fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := m.surface(cmd)
			if err != nil {
				return err
			}
			mock := a.surface.MockAdd(command.MockAddInput{
				Port:        port,
				Fingerprint: fingerprint,
				Response:    model.Response{StatusCode: statusCode, Body: []byte(bodyJSON)},
				Enabled:     enabled,
				Name:        name,
			})
			a.persistAll()
			printMock(mock)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listener port")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "normalized request fingerprint")
	cmd.Flags().IntVar(&statusCode, "status", 200, "HTTP-style status code")
	cmd.Flags().StringVar(&bodyJSON, "body", "{}", "response body (raw bytes, typically JSON)")
	cmd.Flags().StringVar(&name, "name", "", "human-readable mock name")
	cmd.Flags().BoolVar(&enabled, "enabled", false, "serve this mock immediately (defaults disabled)")
	return cmd
}

func (m *MockCmd) toggleCmd() *cobra.Command {
	var port int
	var fingerprint string
	cmd := &cobra.Command{
		Use:   "toggle",
		Short: "flip a mock's enabled flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := m.surface(cmd)
			if err != nil {
				return err
			}
			mock, err := a.surface.MockToggle(port, fingerprint)
			if err != nil {
				return err
			}
			a.persistAll()
			printMock(mock)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listener port")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "normalized request fingerprint")
	return cmd
}

func (m *MockCmd) removeCmd() *cobra.Command {
	var port int
	var fingerprint string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "delete a mock",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := m.surface(cmd)
			if err != nil {
				return err
			}
			if _, err := a.surface.MockRemove(port, fingerprint); err != nil {
				return err
			}
			a.persistAll()
			fmt.Println(color.GreenString("removed mock %q on port %d", fingerprint, port))
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listener port")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "normalized request fingerprint")
	return cmd
}

func (m *MockCmd) listCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list mocks, optionally filtered by listener port",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := m.surface(cmd)
			if err != nil {
				return err
			}
			for _, mock := range a.surface.MockList(port) {
				printMock(mock)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listener port (0 lists every port)")
	return cmd
}

func printMock(mock model.Mock) {
	state := color.RedString("disabled")
	if mock.Enabled {
		state = color.GreenString("enabled")
	}
	body := string(mock.Response.Body)
	if len(body) > 60 {
		body = body[:60] + "..."
	}
	fmt.Printf("port=%-6d fp=%-40q status=%-3d %s used=%-4d body=%s\n",
		mock.ListenerPort, mock.Fingerprint, mock.Response.StatusCode, state, mock.UsageCount, body)
}
