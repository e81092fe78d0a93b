package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	minionsPing        bool
	minionsPingTimeout time.Duration
)

// minionsCmd 是 minions 子命令
var minionsCmd = &cobra.Command{
	Use:   "minions",
	Short: "列出已注册的 Minion 及其存活状态",
	Long: `列出 Master 上注册的 Minion。

默认按注册表的存活窗口划分 online/offline；
--ping 时改为发起 test.ping 实测探活（manage.status 语义）。`,
	Example: `  dispatch-engine minions
  dispatch-engine minions --ping --timeout 5s`,
	RunE: runMinions,
}

func init() {
	rootCmd.AddCommand(minionsCmd)

	minionsCmd.Flags().StringVar(&masterURL, "master-url", "http://localhost:4507", "Master API 地址")
	minionsCmd.Flags().BoolVar(&minionsPing, "ping", false, "发起 test.ping 实测探活")
	minionsCmd.Flags().DurationVar(&minionsPingTimeout, "timeout", 10*time.Second, "探活超时时间")
}

func runMinions(cmd *cobra.Command, args []string) error {
	c := newAPIClient()

	if minionsPing {
		up, down, err := c.PingStatus(minionsPingTimeout)
		if err != nil {
			return err
		}
		fmt.Println("up:")
		for _, id := range up {
			fmt.Printf("  - %s\n", id)
		}
		fmt.Println("down:")
		for _, id := range down {
			fmt.Printf("  - %s\n", id)
		}
		return nil
	}

	minions, err := c.Minions()
	if err != nil {
		return err
	}

	if len(minions) == 0 {
		fmt.Println("没有已注册的 Minion。")
		return nil
	}
	for _, m := range minions {
		fmt.Printf("%-24s  %-8s  %-7s  last seen %s\n",
			m.ID, m.Transport, m.State, m.LastSeen.Format("15:04:05"))
	}
	return nil
}
