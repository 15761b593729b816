package main

import (
	"bytes"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// Root owns the cobra command tree: a logger built once up front,
// and a list of registered sub-commands appended to the root command.
type Root struct {
	logger      *zap.Logger
	subCommands []Plugin
}

// Plugin is implemented by every registered sub-command family.
type Plugin interface {
	GetCmd() *cobra.Command
}

var enableANSIColor bool

const ansiEscapeMarker = "\\u001b"

type colorConsoleEncoder struct {
	*zapcore.EncoderConfig
	zapcore.Encoder
}

// newColorConsole returns a plain console encoder when color is
// disabled, otherwise one that unescapes the ANSI codes zap's
// JSON-safe string escaping would otherwise mangle.
func newColorConsole(cfg zapcore.EncoderConfig) zapcore.Encoder {
	if !enableANSIColor {
		return zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	return colorConsoleEncoder{EncoderConfig: &cfg, Encoder: zapcore.NewConsoleEncoder(cfg)}
}

func (c colorConsoleEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	buf, err := c.Encoder.EncodeEntry(ent, fields)
	if err != nil {
		return nil, err
	}
	unescaped := bytes.ReplaceAll(buf.Bytes(), []byte(ansiEscapeMarker), []byte{0x1b})
	buf.Reset()
	buf.AppendString(string(unescaped))
	return buf, nil
}

func (c colorConsoleEncoder) Clone() zapcore.Encoder {
	return colorConsoleEncoder{EncoderConfig: c.EncoderConfig, Encoder: c.Encoder.Clone()}
}

func init() {
	_ = zap.RegisterEncoder("snifflerColorConsole", func(cfg zapcore.EncoderConfig) (zapcore.Encoder, error) {
		return newColorConsole(cfg), nil
	})
}

func sniffTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format(time.RFC3339))
}

func setupLogger(debug bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Encoding = "snifflerColorConsole"
	cfg.EncoderConfig.EncodeTime = sniffTimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.OutputPaths = []string{"stdout"}

	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		cfg.DisableStacktrace = true
		cfg.EncoderConfig.EncodeCaller = nil
	}

	logger, err := cfg.Build()
	if err != nil {
		panic("failed to build logger: " + err.Error())
	}
	return logger
}

func checkFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

func newRoot() *Root {
	return &Root{}
}

// Execute builds and runs the root command. Called once from main.
func Execute() {
	newRoot().execute()
}

func (r *Root) execute() {
	debugMode := checkFlag(os.Args[1:], "--debug")
	enableANSIColor = !checkFlag(os.Args[1:], "--no-color")
	r.logger = setupLogger(debugMode)
	defer func() { _ = r.logger.Sync() }()

	rootCmd := &cobra.Command{
		Use:   "snifflerd",
		Short: "sniffler intercepting developer proxy",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable ANSI color in log output")
	rootCmd.PersistentFlags().String("data-dir", ".", "data directory for sniffler-data/")

	r.subCommands = []Plugin{
		newServeCmd(r.logger),
		newListenerCmd(r.logger),
		newMockCmd(r.logger),
		newDataCmd(r.logger),
	}
	for _, sc := range r.subCommands {
		rootCmd.AddCommand(sc.GetCmd())
	}

	if err := rootCmd.Execute(); err != nil {
		r.logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}
