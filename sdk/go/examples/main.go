package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"Treasury-Autopilot/sdk/go/treasury"
)

// 提交一个模拟周期并等待决策。
func main() {
	addr := flag.String("addr", "http://localhost:8080", "treasuryd 地址")
	mode := flag.String("mode", "simulation", "周期模式")
	flag.Parse()

	client, err := treasury.NewClient(*addr, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetToken(os.Getenv("TREASURY_API_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	submitted, err := client.SubmitCycle(ctx, treasury.Submission{Mode: *mode})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("submitted cycle %s (status=%s)\n", submitted.ID, submitted.Status)

	done, err := client.WaitCycle(ctx, submitted.ID, 2*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	if done.Decision == nil {
		fmt.Printf("cycle %s finished as %s: %s\n", done.ID, done.Status, done.LastError)
		return
	}
	fmt.Printf("cycle %s decided %s (confidence %.2f)\n", done.ID, done.Decision.Action, done.Decision.Confidence)
	for _, step := range done.Decision.Reasoning {
		fmt.Println(" -", step)
	}
}
