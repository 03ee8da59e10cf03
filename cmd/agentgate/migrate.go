package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentgate/config"
	"github.com/BaSui01/agentgate/escalation"
	"github.com/BaSui01/agentgate/internal/database"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// runMigrate 处理 migrate 子命令。
// 表结构由 gorm AutoMigrate 维护，只增不删，没有 down。
func runMigrate(args []string, out io.Writer) error {
	if len(args) < 1 {
		printMigrateUsage(out)
		return fmt.Errorf("missing migrate subcommand")
	}

	switch args[0] {
	case "up":
		return runMigrateUp(args[1:], out)
	case "status":
		return runMigrateStatus(args[1:], out)
	case "help", "-h", "--help":
		printMigrateUsage(out)
		return nil
	default:
		printMigrateUsage(out)
		return fmt.Errorf("unknown migrate subcommand: %s", args[0])
	}
}

func printMigrateUsage(out io.Writer) {
	fmt.Fprintln(out, `Database Migration Commands

Usage:
  agentgate migrate <subcommand> [options]

Subcommands:
  up        Create the approvals table and indexes (idempotent)
  status    Show table presence and pending request count

Options:
  --config <path>   Path to configuration file (YAML)
  --driver <name>   Override database driver: postgres, mysql, sqlite
  --dsn <dsn>       Override connection string`)
}

// dbFlags migrate 与 resolve 共用的数据库参数
type dbFlags struct {
	configPath *string
	driver     *string
	dsn        *string
}

func registerDBFlags(fs *flag.FlagSet) dbFlags {
	return dbFlags{
		configPath: fs.String("config", "", "Path to config file"),
		driver:     fs.String("driver", "", "Database driver (postgres, mysql, sqlite)"),
		dsn:        fs.String("dsn", "", "Database connection string"),
	}
}

// open 加载配置并打开连接池，命令行参数优先于配置
func (f dbFlags) open(ctx context.Context, logger *zap.Logger) (*config.Config, *database.PoolManager, error) {
	cfg, err := loadConfig(*f.configPath)
	if err != nil {
		return nil, nil, err
	}

	driver, dsn := cfg.Database.Driver, cfg.Database.DSN()
	if *f.driver != "" {
		driver = *f.driver
	}
	if *f.dsn != "" {
		dsn = *f.dsn
	}

	dialector, err := database.Dialector(driver, dsn)
	if err != nil {
		return nil, nil, err
	}

	poolCfg := database.DefaultPoolConfig()
	// 一次性命令不需要后台健康检查
	poolCfg.HealthCheckInterval = 0
	pool, err := database.Open(ctx, dialector, poolCfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, pool, nil
}

func runMigrateUp(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate up", flag.ContinueOnError)
	flags := registerDBFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	_, pool, err := flags.open(ctx, zap.NewNop())
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Migrate(ctx, escalation.Models()...); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Fprintln(out, "Migration completed")
	return nil
}

func runMigrateStatus(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate status", flag.ContinueOnError)
	flags := registerDBFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, pool, err := flags.open(ctx, zap.NewNop())
	if err != nil {
		return err
	}
	defer pool.Close()

	db := pool.DB().WithContext(ctx)
	ready := true
	for _, model := range escalation.Models() {
		table, err := tableName(db, model)
		if err != nil {
			return err
		}
		if db.Migrator().HasTable(model) {
			fmt.Fprintf(out, "%-24s present\n", table)
		} else {
			fmt.Fprintf(out, "%-24s missing\n", table)
			ready = false
		}
	}

	if !ready {
		fmt.Fprintln(out, "Run 'agentgate migrate up' to create missing tables")
		return nil
	}

	pending, err := escalation.NewGormStore(pool.DB(), nil).CountPending(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%-24s %d\n", "pending requests", pending)
	return nil
}

func tableName(db *gorm.DB, model any) (string, error) {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(model); err != nil {
		return "", fmt.Errorf("parse model: %w", err)
	}
	return stmt.Schema.Table, nil
}
