package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"markethub.com/pkg/logger"
)

// Go 安全启动协程，panic 只记录日志不拖垮进程
func Go(fn func()) {
	go func() {
		defer recoverAndLog(context.Background(), "")
		fn()
	}()
}

// GoCtx 安全启动携带 context 的协程，name 用于日志里区分是哪个后台任务
func GoCtx(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recoverAndLog(ctx, name)
		fn(ctx)
	}()
}

// Run 在当前协程执行 fn，panic 转成 error 返回（errgroup 里用）
func Run(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(ctx, name, r)
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	return fn(ctx)
}

func recoverAndLog(ctx context.Context, name string) {
	if r := recover(); r != nil {
		logPanic(ctx, name, r)
	}
}

func logPanic(ctx context.Context, name string, r any) {
	stack := string(debug.Stack())
	if logger.Log != nil {
		logger.Error(ctx, "🚨 GOROUTINE PANIC RECOVERED",
			zap.String("task", name),
			zap.Any("panic", r),
			zap.String("stack", stack),
		)
		return
	}
	fmt.Printf("🚨 GOROUTINE PANIC: %s %v\nStack: %s\n", name, r, stack)
}
