package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	eventPattern string
	eventData    []string
)

// eventCmd 是 event 子命令
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "订阅和发布事件",
	Long:  `通过 Master 的事件总线订阅系统事件或注入自定义事件。`,
}

// eventWatchCmd 是 event watch 子命令
var eventWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "实时输出事件流",
	Long: `通过 WebSocket 订阅 Master 事件总线并实时输出。

事件标签是层级化的斜杠分隔字符串，--pattern 按前缀过滤：
  job/            所有任务事件
  minion/         上下线事件
  transport/sock/ 套接字监控事件（需在 Master 开启 socket_monitor）`,
	Example: `  dispatch-engine event watch
  dispatch-engine event watch --pattern job/`,
	RunE: runEventWatch,
}

// eventFireCmd 是 event fire 子命令
var eventFireCmd = &cobra.Command{
	Use:   "fire <tag>",
	Short: "注入自定义事件",
	Long:  `将一个自定义事件发布到 Master 事件总线，所有匹配的订阅者都会收到。`,
	Example: `  dispatch-engine event fire custom/deploy/done --data rev=abc123
  dispatch-engine event fire custom/alert --data level=warn --data source=ci`,
	Args: cobra.ExactArgs(1),
	RunE: runEventFire,
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(eventWatchCmd)
	eventCmd.AddCommand(eventFireCmd)

	eventCmd.PersistentFlags().StringVar(&masterURL, "master-url", "http://localhost:4507", "Master API 地址")

	eventWatchCmd.Flags().StringVar(&eventPattern, "pattern", "", "标签前缀过滤，空则订阅全部")
	eventFireCmd.Flags().StringArrayVar(&eventData, "data", nil, "事件数据，key=value 形式，可重复")
}

func runEventWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	events, err := newAPIClient().WatchEvents(ctx, eventPattern)
	if err != nil {
		return err
	}

	if !quiet {
		if eventPattern == "" {
			fmt.Println("已订阅全部事件。按 Ctrl+C 停止。")
		} else {
			fmt.Printf("已订阅 %q 前缀事件。按 Ctrl+C 停止。\n", eventPattern)
		}
	}

	for ev := range events {
		fmt.Printf("%s  %s\n", ev.Time.Format("15:04:05.000"), ev.Tag)
		if len(ev.Data) > 0 {
			if err := printJSON(ev.Data); err != nil {
				return err
			}
		}
	}
	return nil
}

func runEventFire(cmd *cobra.Command, args []string) error {
	data := make(map[string]interface{}, len(eventData))
	for _, kv := range eventData {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("无效的数据格式 %q，期望 key=value", kv)
		}
		data[key] = value
	}

	if err := newAPIClient().PublishEvent(args[0], data); err != nil {
		return err
	}

	fmt.Printf("已发布: %s\n", args[0])
	return nil
}
