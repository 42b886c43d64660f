package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"AgentGuard/sdk/go/agentguard"
)

// 对运行中的 agentguard serve 规划、执行并跟随一次构建。
func main() {
	baseURL := os.Getenv("AGENTGUARD_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:5055"
	}
	root, err := os.Getwd()
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := agentguard.NewClient(baseURL, nil)
	if err != nil {
		panic(err)
	}
	client = client.WithLicense("starter")

	planCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	p, err := client.Plan(planCtx, "build the project", root)
	if err != nil {
		panic(err)
	}
	fmt.Printf("planned %s with %d steps\n", p.PlanID, len(p.Steps))

	runID, err := client.Execute(planCtx, agentguard.Execution{Plan: p, ProjectRoot: root})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted run %s\n", runID)

	err = client.Stream(ctx, runID, func(ev agentguard.Event) error {
		switch ev.Type {
		case "chunk":
			fmt.Print(ev.Data)
		case "plan_halt":
			fmt.Printf("halted: %s\n", ev.Reason)
		default:
			fmt.Printf("[%d] %s\n", ev.Seq, ev.Type)
		}
		return nil
	})
	if err != nil {
		panic(err)
	}
}
