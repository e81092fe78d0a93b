package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"yqhp/dispatch-engine/internal/minion"
	"yqhp/dispatch-engine/internal/transport/factory"
	"yqhp/dispatch-engine/pkg/logger"
)

var (
	// minion start 命令的 flags
	minionID        string
	minionMasters   string
	minionTransport string
	minionGrains    []string
)

// minionCmd 是 minion 子命令
var minionCmd = &cobra.Command{
	Use:   "minion",
	Short: "管理 Minion 节点",
	Long:  `Minion 节点连接到 Master 并执行其分发的命令。`,
}

// minionStartCmd 是 minion start 子命令
var minionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Minion 节点",
	Long: `启动 Minion 节点，连接到 Master 列表并等待命令。

Minion 按顺序尝试 Master 列表，连接失败时轮询下一个（故障转移）。
内置命令：test.ping, test.echo, test.sleep, test.version,
sys.list_functions, sys.doc, grains.items, grains.get,
cmd.run, cmd.run_all, script.eval`,
	Example: `  # 使用默认配置启动
  dispatch-engine minion start

  # 指定 ID 和 Master 列表（按顺序故障转移）
  dispatch-engine minion start --id web-1 --masters master1:4505,master2:4505

  # 附加静态 grains
  dispatch-engine minion start --grain role=web --grain dc=eu-west`,
	RunE: runMinionStart,
}

func init() {
	rootCmd.AddCommand(minionCmd)
	minionCmd.AddCommand(minionStartCmd)

	minionStartCmd.Flags().StringVar(&minionID, "id", "", "Minion ID (默认主机名)")
	minionStartCmd.Flags().StringVar(&minionMasters, "masters", "", "Master 地址列表，逗号分隔，按顺序故障转移")
	minionStartCmd.Flags().StringVar(&minionTransport, "transport", "", "传输后端: tcp, redisq, rudp")
	minionStartCmd.Flags().StringArrayVar(&minionGrains, "grain", nil, "附加静态 grain，key=value 形式，可重复")
}

func runMinionStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 应用命令行参数覆盖
	if cmd.Flags().Changed("id") {
		cfg.Minion.ID = minionID
	}
	if cmd.Flags().Changed("masters") {
		parts := strings.Split(minionMasters, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.Minion.Masters = parts
	}
	if cmd.Flags().Changed("transport") {
		cfg.Transport.Kind = minionTransport
	}
	for _, kv := range minionGrains {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("无效的 grain 格式 %q，期望 key=value", kv)
		}
		if cfg.Minion.Grains == nil {
			cfg.Minion.Grains = make(map[string]interface{})
		}
		cfg.Minion.Grains[key] = value
	}

	logger.Init(cfg.LoggerConfig())
	defer logger.Sync()

	dialer, err := factory.NewDialer(cfg, cfg.Minion.ID)
	if err != nil {
		return fmt.Errorf("创建传输层失败: %w", err)
	}

	m, err := minion.New(&cfg.Minion, dialer, minion.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("创建 Minion 失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 处理关闭信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\n正在关闭 Minion...")
		cancel()
	}()

	if !quiet {
		fmt.Printf(Banner, Version)
		fmt.Println()
		fmt.Printf("  正在启动 Minion 节点...\n")
		fmt.Printf("  ID: %s\n", m.ID())
		fmt.Printf("  Master 列表: %v\n", cfg.Minion.Masters)
		fmt.Printf("  传输后端: %s\n", cfg.Transport.Kind)
		fmt.Println()
	}

	// Run 阻塞直到上下文取消
	if err := m.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("Minion 运行失败: %w", err)
	}

	m.Stop()
	if !quiet {
		fmt.Println("Minion 节点已停止。")
	}
	return nil
}
