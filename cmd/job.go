package cmd

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"yqhp/dispatch-engine/api/rest"
	"yqhp/dispatch-engine/api/rest/client"
	"yqhp/dispatch-engine/pkg/types"
)

var (
	// job submit 命令的 flags
	jobGlob     string
	jobList     []string
	jobGrain    string
	jobDeadline string
	jobWait     bool
	jobLimit    int
)

// jobCmd 是 job 子命令
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "提交和查询任务",
	Long:  `通过 Master 的 REST API 提交命令、查询任务报告和列出最近任务。`,
}

// jobSubmitCmd 是 job submit 子命令
var jobSubmitCmd = &cobra.Command{
	Use:   "submit <fun> [args...]",
	Short: "提交任务",
	Long: `向目标 Minion 集合提交一个命令。

目标选择器（默认全部 Minion）：
  --glob   按 Minion ID 通配符匹配，如 'web*'
  --list   显式 Minion ID 列表，可重复
  --grain  按 grain 匹配，path:value 形式，如 os:ubuntu`,
	Example: `  # 对全部 Minion 执行 ping
  dispatch-engine job submit test.ping --wait

  # 对 web 组执行命令并等待结果
  dispatch-engine job submit cmd.run 'uptime' --glob 'web*' --deadline 30s --wait

  # 按 grain 定向
  dispatch-engine job submit test.echo hello --grain os:ubuntu`,
	Args: cobra.MinimumNArgs(1),
	RunE: runJobSubmit,
}

// jobQueryCmd 是 job query 子命令
var jobQueryCmd = &cobra.Command{
	Use:     "query <jid>",
	Short:   "查询任务报告",
	Long:    `按任务 ID 查询任务元数据和已收到的回复。进行中的任务返回部分结果。`,
	Example: `  dispatch-engine job query 20260829120000123456`,
	Args:    cobra.ExactArgs(1),
	RunE:    runJobQuery,
}

// jobListCmd 是 job list 子命令
var jobListCmd = &cobra.Command{
	Use:     "list",
	Short:   "列出最近任务",
	Example: `  dispatch-engine job list --limit 20`,
	RunE:    runJobList,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobQueryCmd)
	jobCmd.AddCommand(jobListCmd)

	jobCmd.PersistentFlags().StringVar(&masterURL, "master-url", "http://localhost:4507", "Master API 地址")

	jobSubmitCmd.Flags().StringVar(&jobGlob, "glob", "", "按 ID 通配符定向")
	jobSubmitCmd.Flags().StringArrayVar(&jobList, "list", nil, "显式 Minion ID 列表")
	jobSubmitCmd.Flags().StringVar(&jobGrain, "grain", "", "按 grain 定向 (path:value)")
	jobSubmitCmd.Flags().StringVar(&jobDeadline, "deadline", "", "任务超时时间，如 30s")
	jobSubmitCmd.Flags().BoolVar(&jobWait, "wait", false, "等待任务完成并输出完整报告")

	jobListCmd.Flags().IntVar(&jobLimit, "limit", 20, "返回数量上限")
}

func newAPIClient() *client.Client {
	cfg := client.DefaultConfig()
	cfg.MasterURL = masterURL
	return client.NewClient(cfg)
}

// jobTarget 将定向 flags 转换为目标选择器，默认全部。
func jobTarget() (*types.TargetSpec, error) {
	set := 0
	var target types.TargetSpec
	if jobGlob != "" {
		target = types.GlobTarget(jobGlob)
		set++
	}
	if len(jobList) > 0 {
		target = types.ListTarget(jobList...)
		set++
	}
	if jobGrain != "" {
		target = types.GrainTarget(jobGrain)
		set++
	}
	switch set {
	case 0:
		target = types.AllMinions()
	case 1:
	default:
		return nil, fmt.Errorf("--glob、--list、--grain 只能指定其中一个")
	}
	return &target, nil
}

func runJobSubmit(cmd *cobra.Command, args []string) error {
	target, err := jobTarget()
	if err != nil {
		return err
	}

	fun := args[0]
	funArgs := make([]interface{}, 0, len(args)-1)
	for _, a := range args[1:] {
		funArgs = append(funArgs, a)
	}

	resp, report, err := newAPIClient().SubmitJob(&rest.SubmitJobRequest{
		Fun:      fun,
		Args:     funArgs,
		Target:   target,
		Deadline: jobDeadline,
		Wait:     jobWait,
	})
	if err != nil {
		return err
	}

	if report != nil {
		return printJSON(report)
	}

	fmt.Printf("jid: %s\n", resp.JID)
	fmt.Printf("minions: %v\n", resp.Minions)
	return nil
}

func runJobQuery(cmd *cobra.Command, args []string) error {
	report, err := newAPIClient().GetJob(args[0])
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runJobList(cmd *cobra.Command, args []string) error {
	jobs, err := newAPIClient().ListJobs(jobLimit)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		fmt.Printf("%s  %-18s  %-10s  %d minion(s)\n",
			job.JobID, job.Fun, job.Status, len(job.Minions))
	}
	if len(jobs) == 0 {
		fmt.Println("没有任务记录。")
	}
	return nil
}

func printJSON(v interface{}) error {
	data, err := sonic.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
