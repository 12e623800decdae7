package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/acgodson/autonomify-sub000/sdk/go/autonomify"
)

// 示例：对 autonomifyd 发起一次只读调用和一次排队写调用。
// AUTONOMIFY_URL 默认为 http://localhost:8080。
func main() {
	baseURL := os.Getenv("AUTONOMIFY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client, err := autonomify.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetAPIKey(os.Getenv("AUTONOMIFY_API_KEY"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	token := os.Getenv("AUTONOMIFY_TOKEN")
	res, err := client.Execute(ctx, "", autonomify.Call{
		ContractAddress: token,
		FunctionName:    "balanceOf",
		Args:            map[string]any{"account": os.Getenv("AUTONOMIFY_ACCOUNT")},
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("balanceOf: success=%v result=%v\n", res.Success, res.Result)

	task, err := client.SubmitTask(ctx, "", "", autonomify.Call{
		ContractAddress: token,
		FunctionName:    "approve",
		Args:            []any{os.Getenv("AUTONOMIFY_SPENDER"), "1.5"},
	})
	if err != nil {
		log.Fatal(err)
	}
	done, err := client.WaitTask(ctx, task.ID, time.Second)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("task %s: %s %s\n", done.ID, done.Status, done.ErrorCode)
}
