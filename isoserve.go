package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
	"github.com/xplshn/tracerr2"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort    = 8080
	defaultRoot    = "www"
	configFileName = "isoserve.yml"
)

// ServeConfig is the resolved, immutable server configuration.
type ServeConfig struct {
	Port     int
	Root     string
	LogLevel slog.Level
}

// FileConfig mirrors the optional isoserve.yml. Every field may be
// omitted; resolveServeConfig fills in the defaults.
type FileConfig struct {
	Port     *int    `yaml:"port"`
	Root     *string `yaml:"root"`
	LogLevel *string `yaml:"log-level"`
}

func processEnvVars(data []byte) ([]byte, error) {
	re := regexp.MustCompile(`\{\{\s*env\.(\w+)\s*\}\}`)
	var firstError error

	processed := re.ReplaceAllStringFunc(string(data), func(match string) string {
		if firstError != nil {
			return ""
		}

		varName := re.FindStringSubmatch(match)[1]
		value := os.Getenv(varName)

		if value == "" {
			firstError = fmt.Errorf("environment variable '%s' not set or is empty", varName)
			return ""
		}
		return value
	})

	if firstError != nil {
		return nil, firstError
	}

	return []byte(processed), nil
}

func loadFileConfig(path string, logger *slog.Logger) (*FileConfig, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, tracerr.Wrapf(err, "error reading config file %s", path)
	}
	logger.Info("loading configuration file", "path", path)

	processedYaml, err := processEnvVars(yamlFile)
	if err != nil {
		return nil, tracerr.Wrapf(err, "error processing env vars in config")
	}

	var fileConfig FileConfig
	if err := yaml.Unmarshal(processedYaml, &fileConfig); err != nil {
		return nil, tracerr.Wrapf(err, "error parsing YAML file")
	}
	return &fileConfig, nil
}

// resolveServeConfig merges the CLI port argument with the optional config
// file. The argument wins over the file, the file wins over the defaults.
func resolveServeConfig(portArg string, f *FileConfig) (*ServeConfig, error) {
	resolveStr := func(fileVal *string, defaultVal string) string {
		if fileVal != nil {
			return *fileVal
		}
		return defaultVal
	}
	resolveInt := func(fileVal *int, defaultVal int) int {
		if fileVal != nil {
			return *fileVal
		}
		return defaultVal
	}

	port := resolveInt(f.Port, defaultPort)
	if portArg != "" {
		p, err := strconv.Atoi(portArg)
		if err != nil {
			return nil, tracerr.Wrapf(err, "invalid port argument %q", portArg)
		}
		port = p
	}
	if port < 1 || port > 65535 {
		return nil, tracerr.New(fmt.Sprintf("port %d out of range (1-65535)", port))
	}

	root, err := filepath.Abs(resolveStr(f.Root, defaultRoot))
	if err != nil {
		return nil, tracerr.Wrapf(err, "failed to resolve root directory")
	}

	level := slog.LevelInfo
	switch resolveStr(f.LogLevel, "info") {
	case "debug":
		level = slog.LevelDebug
	case "info":
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, tracerr.New(fmt.Sprintf("unknown log-level %q", *f.LogLevel))
	}

	return &ServeConfig{Port: port, Root: root, LogLevel: level}, nil
}

func serve(ctx context.Context, config *ServeConfig, logger *slog.Logger) error {
	if fi, err := os.Stat(config.Root); err != nil {
		return tracerr.Wrapf(err, "root directory %s is not usable", config.Root)
	} else if !fi.IsDir() {
		return tracerr.New(fmt.Sprintf("root path %s is not a directory", config.Root))
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", config.Port))
	if err != nil {
		return tracerr.Wrapf(err, "failed to bind port %d", config.Port)
	}

	srv := &http.Server{Handler: newWebServer(config.Root, logger)}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	color.Green("Serving at http://localhost:%d", config.Port)
	fmt.Printf("Directory: %s\n", config.Root)
	fmt.Println("Press Ctrl+C to stop")
	logger.Info("server started", "port", config.Port, "root", config.Root)

	select {
	case err := <-errChan:
		return tracerr.Wrapf(err, "server stopped unexpectedly")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown did not complete cleanly", "error", err)
	}
	fmt.Println("\nServer stopped")
	logger.Info("server stopped")
	return nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	app := &cli.Command{
		Name:      "isoserve",
		Usage:     "A static file server for cross-origin isolated WebAssembly apps",
		ArgsUsage: "[port]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() > 1 {
				return tracerr.New("expected at most one argument: the TCP port")
			}

			fileConfig, err := loadFileConfig(configFileName, logger)
			if err != nil {
				return err
			}
			config, err := resolveServeConfig(cmd.Args().First(), fileConfig)
			if err != nil {
				return err
			}

			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.LogLevel}))
			return serve(ctx, config, logger)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		if e, ok := err.(*tracerr.Error); ok {
			e.Print()
		} else {
			logger.Error("server failed to run", "error", err)
		}
		os.Exit(1)
	}
}
