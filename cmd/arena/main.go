package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"arena/internal/app"
	arenacfg "arena/internal/config"
	"arena/internal/config/loader"
	"arena/internal/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "arena",
		Short:         "arena - 多 profile 自主交易编排服务",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// .env 只补充未设置的变量
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				log.Printf("读取 .env 失败: %v", err)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(resolvePath(cfgPath))
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default $ARENA_CONFIG or configs/config.yaml)")
	root.AddCommand(newCheckCmd(&cfgPath))
	return root
}

func newCheckCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "校验配置与 profiles 文件后退出",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolvePath(*cfgPath)
			cfg, err := arenacfg.Load(path)
			if err != nil {
				return fmt.Errorf("读取配置失败: %w", err)
			}
			if err := loader.ValidateFile(cfg.ProfilesPath); err != nil {
				return fmt.Errorf("profiles 校验失败: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "配置有效: %s (profiles=%s)\n", path, cfg.ProfilesPath)
			return nil
		},
	}
}

func resolvePath(p string) string {
	if p = strings.TrimSpace(p); p != "" {
		return p
	}
	return arenacfg.DefaultPath()
}

func runServe(path string) error {
	cfg, err := arenacfg.Load(path)
	if err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}

	logger.SetFormat(cfg.App.LogFormat)
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		return fmt.Errorf("初始化日志文件失败: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	llmFile, err := setupLLMLogOutput(cfg.App.LLMLog)
	if err != nil {
		return fmt.Errorf("初始化 LLM 日志失败: %w", err)
	}
	if llmFile != nil {
		defer llmFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，profiles=%s）", cfg.App.Env, cfg.ProfilesPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("运行失败: %w", err)
	}
	return nil
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	if dir := filepath.Dir(trimmed); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}

func setupLLMLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		logger.SetLLMWriter(nil)
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	logger.SetLLMWriter(f)
	return f, nil
}
