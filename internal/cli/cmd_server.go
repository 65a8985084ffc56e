package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/koltyakov/deskrelay/internal/config"
	ilog "github.com/koltyakov/deskrelay/internal/log"
	"github.com/koltyakov/deskrelay/internal/server"
	"github.com/koltyakov/deskrelay/internal/store/sqlite"
)

const dotEnvPath = ".env"

func runServer(ctx context.Context, args []string) int {
	loadServerEnvFromDotEnv(dotEnvPath)

	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer store.Close()

	s, err := server.New(cfg, store, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	s.SetVersion(Version)
	logger.Info("deskrelay starting", "version", Version, "db_path", cfg.DBPath, "files_dir", cfg.FilesDir)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	return 0
}
