package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 註冊可被協調伺服器呼叫的 function
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/faas-bridge/internal/cli"
	"github.com/ChuLiYu/faas-bridge/internal/engine"
)

// 由 CI 注入: go build -ldflags "-X main.version=1.0.0"
var version = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	cli.Version = version
	rootCmd := cli.BuildCLI(functions())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}

// functions 回傳此 binary 提供的 function
func functions() *engine.Registry {
	reg := engine.NewRegistry()

	reg.MustRegister("hello", 1, func(_ *engine.Context, args []any) (any, error) {
		name := "World"
		if len(args) > 0 {
			if s, ok := args[0].(string); ok && s != "" {
				name = s
			}
		}
		return fmt.Sprintf("Hello, %s!", name), nil
	})

	// approve 等待外部 promise "<task id>.approval" 完成後才回傳
	reg.MustRegister("approve", 1, func(ctx *engine.Context, args []any) (any, error) {
		id := ctx.TaskID + ".approval"
		var decision string
		ok, err := ctx.Resolved(id, &decision)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, engine.Suspend(id)
		}
		return map[string]any{"request": args, "decision": decision}, nil
	})

	return reg
}
