package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// DataCmd groups data.export/import, operation.list/clear, and
// settings.get/update under `snifflerd data ...`. These
// commands share a "bundle" vocabulary with data.export/import, so
// they live together rather than splitting into four parent commands.
type DataCmd struct {
	logger *zap.Logger
}

func newDataCmd(logger *zap.Logger) *DataCmd {
	return &DataCmd{logger: logger}
}

func (d *DataCmd) GetCmd() *cobra.Command {
	parent := &cobra.Command{
		Use:   "data",
		Short: "export/import state, inspect operation history and settings",
	}
	parent.AddCommand(d.exportCmd(), d.importCmd(), d.operationsCmd(), d.settingsCmd())
	return parent
}

func (d *DataCmd) surface(cmd *cobra.Command) (*app, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	return newApp(d.logger, dataDir)
}

func (d *DataCmd) exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "export every listener, mock, and operation as a bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := d.surface(cmd)
			if err != nil {
				return err
			}
			bundle := a.surface.DataExport()
			data, err := json.MarshalIndent(bundle, "", "  ")
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Println(string(data))
				return nil
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the bundle to this file instead of stdout")
	return cmd
}

func (d *DataCmd) importCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "restore listeners, settings, and mocks from a bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := d.surface(cmd)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			if err := a.surface.DataImport(data); err != nil {
				return err
			}
			a.persistAll()
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "bundle file to import")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func (d *DataCmd) operationsCmd() *cobra.Command {
	var port int
	var clear bool
	cmd := &cobra.Command{
		Use:   "operations",
		Short: "list or clear operation history",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := d.surface(cmd)
			if err != nil {
				return err
			}
			if clear {
				_, err := a.surface.OperationClear(port)
				return err
			}
			ops, err := a.surface.OperationList(port)
			if err != nil {
				return err
			}
			for _, op := range ops {
				fmt.Printf("%-10s %-36s port=%-6d type=%-10s status=%-8s fp=%q\n",
					op.StartedAt.Format("15:04:05.000"), op.ID, op.ListenerPort, op.Type, op.Status, op.Fingerprint)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listener port (0 merges every listener)")
	cmd.Flags().BoolVar(&clear, "clear", false, "clear history instead of listing it")
	return cmd
}

func (d *DataCmd) settingsCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "print, or with --in replace, the current process-wide settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := d.surface(cmd)
			if err != nil {
				return err
			}

			if in == "" {
				data, err := json.MarshalIndent(a.surface.SettingsGet(), "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			data, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			settings, err := a.surface.SettingsUpdate(data)
			if err != nil {
				return err
			}
			a.persistAll()
			out, err := json.MarshalIndent(settings, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "replace settings from this JSON file; omit to just print the current settings")
	return cmd
}
