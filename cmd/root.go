package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mesh-engine/mesh-engine/mesh"
	"github.com/mesh-engine/mesh-engine/mesh/api"
	"github.com/mesh-engine/mesh-engine/mesh/trace"
)

var (
	logLevel   string // Log verbosity level
	configPath string // Engine YAML config file
	aclPath    string // ACL manifest (TOML)
	listenAddr string // Ops HTTP listen address; empty disables the server
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "meshengine",
	Short: "Mesh coordination engine: versioned state store plus reactive unit scheduler",
}

// runCmd starts the engine loop, optionally with the ops HTTP surface.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reactor loop",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		engine, recorder := buildEngine()
		defer recorder.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if listenAddr != "" {
			srv := &http.Server{
				Addr:              listenAddr,
				Handler:           api.NewServer(engine),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				logrus.Infof("ops surface listening on %s", listenAddr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logrus.Errorf("ops server failed: %v", err)
					stop()
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		logrus.Info("reactor starting")
		if err := engine.Run(ctx); err != nil {
			logrus.Fatalf("reactor halted: %v", err)
		}
		logrus.Info("reactor stopped")
	},
}

// checkCmd validates the config file and ACL manifest without running.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the engine config and ACL manifest",
	Run: func(cmd *cobra.Command, args []string) {
		fileCfg, err := LoadConfig(configPath)
		if err != nil {
			logrus.Fatalf("config: %v", err)
		}
		if err := fileCfg.engineConfig().Validate(); err != nil {
			logrus.Fatalf("config: %v", err)
		}
		acl, err := loadACL()
		if err != nil {
			logrus.Fatalf("acl manifest: %v", err)
		}
		logrus.Infof("config ok; %d namespaces governed", len(acl.Namespaces()))
	},
}

// buildEngine assembles the engine from the CLI's config and manifest flags.
func buildEngine() (*mesh.Engine, *trace.Recorder) {
	fileCfg, err := LoadConfig(configPath)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	acl, err := loadACL()
	if err != nil {
		logrus.Fatalf("acl manifest: %v", err)
	}

	sinkWriter := os.Stdout
	if fileCfg.Trace.Path != "" {
		f, err := os.OpenFile(fileCfg.Trace.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logrus.Fatalf("trace export: %v", err)
		}
		sinkWriter = f
	}
	recorder := trace.NewRecorder(fileCfg.traceConfig(), trace.NewNDJSONSink(sinkWriter))

	engine, err := mesh.NewEngine(fileCfg.engineConfig(), acl, recorder)
	if err != nil {
		logrus.Fatalf("engine: %v", err)
	}
	return engine, recorder
}

func loadACL() (*mesh.ACLRegistry, error) {
	if aclPath == "" {
		// No manifest governs nothing: every access denies. Units and
		// ingest need explicit grants, so require one.
		logrus.Fatal("an ACL manifest is required (--acl)")
	}
	return mesh.LoadACLManifest(aclPath)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Engine YAML config file")
	rootCmd.PersistentFlags().StringVar(&aclPath, "acl", "", "ACL manifest (TOML)")
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "Ops HTTP listen address (empty disables)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
}
