package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/BaSui01/agentmarket/internal/migration"
	"go.uber.org/zap"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// migrateFlags 迁移命令的公共参数
type migrateFlags struct {
	configPath string
	dbType     string
	dbURL      string
	verbose    bool
}

// runMigrate 处理 migrate 子命令，返回进程退出码
func runMigrate(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrateCommand(ctx, args, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	return 0
}

// migrateCommand 解析 `<subcommand> [N] [flags]` 并交给 migration.CLI 执行
func migrateCommand(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		printMigrateUsage(out)
		return errors.New("missing subcommand")
	}
	sub := args[0]
	if sub == "help" || sub == "-h" || sub == "--help" {
		printMigrateUsage(out)
		return flag.ErrHelp
	}

	positional, rest := splitPositional(args[1:])

	var mf migrateFlags
	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&mf.configPath, "config", "", "Path to config file")
	fs.StringVar(&mf.dbType, "db-type", "", "Database type (postgres, mysql, sqlite)")
	fs.StringVar(&mf.dbURL, "db-url", "", "Database connection URL")
	fs.BoolVar(&mf.verbose, "verbose", false, "Log migration steps")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	migrator, err := createMigrator(mf)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(out)
	return cli.Run(ctx, sub, positional)
}

// splitPositional 把子命令后的数字参数（含负数，如 steps -1）与 flag 分开
func splitPositional(args []string) (positional, rest []string) {
	for i, a := range args {
		if _, err := strconv.Atoi(a); err != nil {
			return args[:i], args[i:]
		}
	}
	return args, nil
}

// createMigrator 优先使用 --db-type + --db-url，否则读取配置文件的 database 段
func createMigrator(mf migrateFlags) (*migration.DefaultMigrator, error) {
	logger := zap.NewNop()
	if mf.verbose {
		logger, _ = zap.NewDevelopment()
	}

	if mf.dbType != "" && mf.dbURL != "" {
		return migration.NewMigratorFromURL(mf.dbType, mf.dbURL, logger)
	}

	cfg, err := loadConfig(mf.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if mf.dbType != "" {
		cfg.Database.Driver = mf.dbType
	}
	return migration.NewMigratorFromConfig(cfg, logger)
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Database Migration Commands

Usage:
  agentmarket migrate <subcommand> [N] [options]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration
  down-all    Rollback all migrations (alias: reset)
  steps N     Apply N migrations, or roll back |N| when negative
  goto V      Migrate to version V
  force V     Force set migration version (use with caution)
  version     Show current migration version
  status      Show migration status
  info        Show summary
  help        Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)
  --verbose           Log migration steps

Examples:
  agentmarket migrate up
  agentmarket migrate up --config /etc/agentmarket/config.yaml
  agentmarket migrate steps -1
  agentmarket migrate goto 1 --db-type sqlite --db-url "file:market.db?_pragma=foreign_keys(1)"
  agentmarket migrate status`)
}
