package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nvloft/nvloft/internal/config"
	"github.com/nvloft/nvloft/internal/editor"
	"github.com/nvloft/nvloft/internal/gateway"
	"github.com/nvloft/nvloft/internal/gitinfo"
	"github.com/nvloft/nvloft/internal/logger"
	"github.com/nvloft/nvloft/internal/session"
	"github.com/nvloft/nvloft/internal/settings"
	"github.com/nvloft/nvloft/internal/vfs"
)

func serveCmd() *cobra.Command {
	var addrFlag string
	var rootFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the session host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addrFlag != "" {
				cfg.ListenAddr = addrFlag
			}
			if rootFlag != "" {
				cfg.LocalRoot = rootFlag
			}
			if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVar(&addrFlag, "addr", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&rootFlag, "root", "", "Local VFS sandbox root (overrides config)")
	return cmd
}

func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := settings.Open(cfg.SettingsDB)
	if err != nil {
		return fmt.Errorf("settings store: %w", err)
	}
	defer store.Close()

	vfsManager := vfs.NewManager()
	fsRegistry := vfs.NewFsRequestRegistry()

	local := vfs.NewLocalFS(cfg.LocalRoot)
	vfsManager.RegisterBackend("local", local)
	if err := local.Watch(ctx, vfsManager); err != nil {
		logger.Warn("local watch disabled", "error", err)
	}

	sshFS := vfs.NewSSHFS()
	defer sshFS.Close()
	vfsManager.RegisterBackend("ssh", sshFS)

	// Lazy backends: constructed on first use of their scheme.
	vfsManager.RegisterLazy("github", func() (vfs.Backend, error) {
		return vfs.NewGitHubFS(), nil
	})
	vfsManager.RegisterLazy("git", func() (vfs.Backend, error) {
		root := cfg.LocalRoot
		if repoRoot, ok := gitinfo.FindRoot(root); ok {
			root = repoRoot
		}
		return vfs.NewGitFS(root), nil
	})
	vfsManager.RegisterLazy("memory", func() (vfs.Backend, error) {
		return vfs.NewMemoryFS(), nil
	})

	// The gateway must exist before the first editor spawns, but the
	// supervisor factory is only invoked on connection attach, so the
	// late-bound reference is safe.
	var gw *gateway.Gateway

	factory := func(ctx context.Context, id, workdir string, publish func([]byte)) (session.Editor, error) {
		a, err := editor.Spawn(ctx, id, vfsManager, publish, editor.Options{Workdir: workdir})
		if err != nil {
			return nil, err
		}
		a.SetDeltaFunc(func(bufferID uint64, startLine, endLine uint32, newLines []string) {
			gw.Collab.ForSession(id).ApplyBufferChange(bufferID, startLine, endLine, newLines)
		})
		return a, nil
	}

	supervisor := session.NewSupervisor(factory, cfg.IdleTimeout())
	gw = gateway.New(supervisor, vfsManager, fsRegistry, store, cfg.AllowedOrigins)
	defer gw.Peers.Close()

	// The browser-backed driver sends its frames through the gateway's
	// FS hub; it dials lazily so headless deployments never pay for it.
	vfsManager.RegisterLazy("browser", func() (vfs.Backend, error) {
		return vfs.NewBrowserFS(fsRegistry, gw.FsHub.Publish), nil
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gw.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr, "root", cfg.LocalRoot)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		supervisor.Run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
