package minion

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/ohler55/ojg/jp"
)

const (
	// defaultCmdTimeout 是 cmd.run 未显式指定超时时的上限。
	defaultCmdTimeout = 60 * time.Second
	// defaultScriptTimeout 兜底 cfg.ScriptTimeout 未配置的情况。
	defaultScriptTimeout = 30 * time.Second

	// retcodeTimedOut 表示命令或脚本超时被中断。
	retcodeTimedOut = 124
	// retcodeBadUsage 表示调用参数不合法。
	retcodeBadUsage = 2
)

// installBuiltins 注册内置命令集：test/sys/grains 查询类，
// cmd.run 系列和内嵌 JS 运行时。
func installBuiltins(m *Minion) {
	r := m.funcs

	r.MustRegister("test.ping", "连通性探测，总是返回 true",
		func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			return true, nil
		})

	r.MustRegister("test.echo", "原样返回参数",
		func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			switch len(args) {
			case 0:
				return nil, nil
			case 1:
				return args[0], nil
			default:
				return args, nil
			}
		})

	r.MustRegister("test.sleep", "休眠指定秒数后返回 true",
		func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			secs := 1.0
			if len(args) > 0 {
				if f, ok := toFloat(args[0]); ok && f >= 0 {
					secs = f
				}
			}
			select {
			case <-time.After(time.Duration(secs * float64(time.Second))):
				return true, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})

	r.MustRegister("test.version", "返回 minion 版本号",
		func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			return m.version, nil
		})

	r.MustRegister("sys.list_functions", "列出全部可用命令",
		func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			return r.Names(), nil
		})

	r.MustRegister("sys.doc", "返回命令文档，不带参数时返回全部",
		func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			if len(args) > 0 {
				name := fmt.Sprint(args[0])
				return map[string]string{name: r.Doc(name)}, nil
			}
			return r.Docs(), nil
		})

	r.MustRegister("grains.items", "返回全部 grains",
		func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			return m.Grains(), nil
		})

	r.MustRegister("grains.get", "按路径读取 grain，点号表示嵌套", m.grainsGet)

	r.MustRegister("cmd.run", "执行 shell 命令并返回标准输出", m.cmdRun)
	r.MustRegister("cmd.run_all", "执行 shell 命令并返回 stdout/stderr/retcode", m.cmdRunAll)

	r.MustRegister("script.eval", "在内嵌 JS 运行时中执行脚本", m.scriptEval)
}

// grainsGet 读取单个 grain。路径语法与 grain 目标表达式一致。
func (m *Minion) grainsGet(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, &ExecError{Retcode: retcodeBadUsage, Msg: "grains.get 需要键名"}
	}
	pathExpr := fmt.Sprint(args[0])
	if !strings.HasPrefix(pathExpr, "$") {
		pathExpr = "$." + pathExpr
	}
	x, err := jp.ParseString(pathExpr)
	if err != nil {
		return nil, fmt.Errorf("无效的 grain 路径: %w", err)
	}

	got := x.Get(m.grains)
	switch len(got) {
	case 0:
		if def, ok := kwargs["default"]; ok {
			return def, nil
		}
		return nil, nil
	case 1:
		return got[0], nil
	default:
		return got, nil
	}
}

// cmdRunAll 执行 shell 命令，返回 {stdout, stderr, retcode}。
// 非零退出码不算执行失败，由调用方检查 retcode。
func (m *Minion) cmdRunAll(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	command := joinArgs(args)
	if command == "" {
		return nil, &ExecError{Retcode: retcodeBadUsage, Msg: "cmd.run 需要命令字符串"}
	}

	timeout := defaultCmdTimeout
	if f, ok := toFloat(kwargs["timeout"]); ok && f > 0 {
		timeout = time.Duration(f * float64(time.Second))
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell, shellArg := systemShell()
	cmd := exec.CommandContext(cmdCtx, shell, shellArg, command)
	cmd.Env = os.Environ()
	if env, ok := kwargs["env"].(map[string]interface{}); ok {
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}
	if cwd, ok := kwargs["cwd"].(string); ok && cwd != "" {
		cmd.Dir = cwd
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := map[string]interface{}{
		"stdout":  strings.TrimRight(stdout.String(), "\n"),
		"stderr":  strings.TrimRight(stderr.String(), "\n"),
		"retcode": 0,
	}
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return nil, &ExecError{Retcode: retcodeTimedOut, Msg: fmt.Sprintf("命令执行超时 (%s)", timeout)}
		}
		exitErr, isExit := err.(*exec.ExitError)
		if !isExit {
			return nil, fmt.Errorf("执行命令失败: %w", err)
		}
		result["retcode"] = exitErr.ExitCode()
	}
	return result, nil
}

// cmdRun 是 cmd.run_all 的简化形式：成功时只返回 stdout，
// 非零退出码映射为带 retcode 的错误。
func (m *Minion) cmdRun(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	out, err := m.cmdRunAll(ctx, args, kwargs)
	if err != nil {
		return nil, err
	}
	result := out.(map[string]interface{})
	if rc := result["retcode"].(int); rc != 0 {
		msg, _ := result["stderr"].(string)
		if msg == "" {
			msg, _ = result["stdout"].(string)
		}
		return nil, &ExecError{Retcode: rc, Msg: fmt.Sprintf("命令退出码 %d: %s", rc, msg)}
	}
	return result["stdout"], nil
}

// scriptEval 在一次性的 goja 运行时里执行 JS 脚本。
// 每次调用新建 VM，脚本之间不共享状态。
func (m *Minion) scriptEval(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, &ExecError{Retcode: retcodeBadUsage, Msg: "script.eval 需要脚本内容"}
	}
	src := fmt.Sprint(args[0])

	timeout := m.cfg.ScriptTimeout
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}
	if f, ok := toFloat(kwargs["timeout"]); ok && f > 0 {
		timeout = time.Duration(f * float64(time.Second))
	}

	vm := goja.New()
	_ = vm.Set("minion_id", m.id)
	_ = vm.Set("grains", m.grains)
	_ = vm.Set("args", args[1:])
	_ = vm.Set("kwargs", kwargs)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// goja 不支持抢占式调度，超时通过 Interrupt 中断执行
	done := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt("script timed out")
		case <-done:
		}
	}()

	val, err := vm.RunString(src)
	close(done)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, &ExecError{Retcode: retcodeTimedOut, Msg: fmt.Sprintf("脚本执行超时 (%s)", timeout)}
		}
		return nil, fmt.Errorf("脚本执行失败: %w", err)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

// systemShell 返回当前平台的 shell 及其命令参数开关。
func systemShell() (string, string) {
	if runtime.GOOS == "windows" {
		return "cmd", "/C"
	}
	return "/bin/sh", "-c"
}

func joinArgs(args []interface{}) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		s := strings.TrimSpace(fmt.Sprint(a))
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// toFloat 宽松地把任意标量转成 float64。
// 参数经 JSON 或 msgpack 解码后数值类型不稳定，统一走字符串转换。
func toFloat(v interface{}) (float64, bool) {
	if v == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(fmt.Sprint(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
