// Package cmd 提供 dispatch-engine CLI 的命令实现
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"yqhp/dispatch-engine/internal/config"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
     _ _                 _       _
  __| (_)___ _ __   __ _| |_ ___| |__      Dispatch Engine %s
 / _' | / __| '_ \ / _' | __/ __| '_ \
| (_| | \__ \ |_) | (_| | || (__| | | |
 \__,_|_|___/ .__/ \__,_|\__\___|_| |_|
            |_|
`
)

var (
	// 全局配置
	cfgFile   string
	debug     bool
	quiet     bool
	masterURL string
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "dispatch-engine",
	Short: "分布式命令分发引擎",
	Long: `dispatch-engine 是一个 master/minion 架构的远程执行核心：
master 通过可互换的传输后端（tcp/redisq/rudp）将命令分发到 minion 集群，
收集结果、发布事件并持久化任务记录。`,
	Version: Version,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// 全局 flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式")

	// 禁用默认的 completion 命令
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// 自定义版本模板
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// loadConfig 按 默认值 < 配置文件 < 环境变量 的优先级加载配置；
// 命令行覆盖由各子命令在其上应用。
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	if debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}
