package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ceyewan/chorus/bootstrap"
	"github.com/ceyewan/chorus/relay"
	"github.com/ceyewan/chorus/task"
	"github.com/joho/godotenv"
)

func main() {
	var module string
	flag.StringVar(&module, "module", "", "assign run module: relay, task, init")
	flag.Parse()

	if module == "" {
		fmt.Println("error: module param required! Available: relay, task, init")
		os.Exit(1)
	}

	// 本地开发时从 .env 读取 CHORUS_* 变量，文件不存在时忽略
	_ = godotenv.Load()

	fmt.Printf("Starting Chorus %s...\n", module)

	// 各个组件负责自己的配置加载
	switch module {
	case "relay":
		r, err := relay.New()
		if err != nil {
			fmt.Printf("Failed to start relay: %v\n", err)
			os.Exit(1)
		}
		defer r.Close()
		if err := r.Run(); err != nil {
			fmt.Printf("Relay error: %v\n", err)
			os.Exit(1)
		}
		waitForSignal(r.Done())

	case "task":
		t, err := task.New()
		if err != nil {
			fmt.Printf("Failed to start task: %v\n", err)
			os.Exit(1)
		}
		defer t.Close()
		if err := t.Run(); err != nil {
			fmt.Printf("Task error: %v\n", err)
			os.Exit(1)
		}
		waitForSignal(nil)

	case "init":
		if err := bootstrap.Run(); err != nil {
			fmt.Printf("Init failed: %v\n", err)
			os.Exit(1)
		}

	default:
		fmt.Printf("Unknown module: %s\n", module)
		fmt.Println("Available modules: relay, task, init")
		os.Exit(1)
	}
}

// waitForSignal 阻塞到收到退出信号或 done 关闭
func waitForSignal(done <-chan struct{}) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	select {
	case <-quit:
	case <-done:
	}

	fmt.Println("Service exiting")
}
