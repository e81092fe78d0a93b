package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"yqhp/dispatch-engine/api/rest"
	"yqhp/dispatch-engine/internal/master"
	"yqhp/dispatch-engine/pkg/logger"
)

var (
	// master start 命令的 flags
	masterListenAddr string
	masterAPIAddr    string
	masterTransport  string
	masterStaleAfter time.Duration
)

// masterCmd 是 master 子命令
var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "管理 Master 节点",
	Long:  `Master 节点负责命令分发、结果聚合、事件发布和任务缓存。`,
}

// masterStartCmd 是 master start 子命令
var masterStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Master 节点",
	Long: `启动 Master 节点，开始接受 Minion 连接和任务提交。

Master 节点是分发引擎的核心，负责：
  - 管理 Minion 注册、心跳和过期清理
  - 将命令按目标选择器分发到 Minion
  - 聚合回复并发布生命周期事件
  - 持久化任务记录
  - 提供 REST API 和 WebSocket 事件流`,
	Example: `  # 使用默认配置启动（tcp 传输，:4505 监听）
  dispatch-engine master start

  # 指定传输后端和监听地址
  dispatch-engine master start --transport redisq
  dispatch-engine master start --listen :9505 --api :9507

  # 使用配置文件
  dispatch-engine master start --config master.yaml`,
	RunE: runMasterStart,
}

func init() {
	rootCmd.AddCommand(masterCmd)
	masterCmd.AddCommand(masterStartCmd)

	masterStartCmd.Flags().StringVar(&masterListenAddr, "listen", "", "传输层监听地址 (默认 :4505)")
	masterStartCmd.Flags().StringVar(&masterAPIAddr, "api", "", "REST API 监听地址 (默认 :4507)")
	masterStartCmd.Flags().StringVar(&masterTransport, "transport", "", "传输后端: tcp, redisq, rudp")
	masterStartCmd.Flags().DurationVar(&masterStaleAfter, "stale-after", 0, "Minion 过期时间")
}

func runMasterStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 应用命令行参数覆盖
	if cmd.Flags().Changed("listen") {
		cfg.Transport.ListenAddr = masterListenAddr
	}
	if cmd.Flags().Changed("api") {
		cfg.API.Address = masterAPIAddr
	}
	if cmd.Flags().Changed("transport") {
		cfg.Transport.Kind = masterTransport
	}
	if cmd.Flags().Changed("stale-after") {
		cfg.Master.StaleAfter = masterStaleAfter
	}

	logger.Init(cfg.LoggerConfig())
	defer logger.Sync()

	m, err := master.New(cfg, master.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("创建 Master 失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 处理关闭信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\n正在关闭 Master...")
		cancel()
	}()

	if !quiet {
		fmt.Printf(Banner, Version)
		fmt.Println()
		fmt.Printf("  正在启动 Master 节点...\n")
		fmt.Printf("  传输后端: %s (%s)\n", cfg.Transport.Kind, cfg.Transport.ListenAddr)
		fmt.Printf("  REST API: %s\n", cfg.API.Address)
		fmt.Printf("  结果后端: %v\n", cfg.Returner.Backends)
		fmt.Println()
	}

	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("启动 Master 失败: %w", err)
	}

	apiSrv := rest.NewServer(m, rest.ConfigFrom(cfg))
	apiErr := make(chan error, 1)
	go func() { apiErr <- apiSrv.Start() }()

	if !quiet {
		fmt.Println("Master 节点启动成功。按 Ctrl+C 停止。")
	}

	// 等待退出：信号取消、API 失败或传输层致命错误
	var fatal error
	select {
	case <-ctx.Done():
	case err := <-apiErr:
		if err != nil {
			fatal = fmt.Errorf("REST API 失败: %w", err)
		}
	case err := <-m.Fatal():
		fatal = fmt.Errorf("传输层致命错误: %w", err)
	}

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = apiSrv.ShutdownWithTimeout(10 * time.Second)
	if err := m.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("停止 Master 失败: %w", err)
	}

	if fatal != nil {
		return fatal
	}
	if !quiet {
		fmt.Println("Master 节点已停止。")
	}
	return nil
}
