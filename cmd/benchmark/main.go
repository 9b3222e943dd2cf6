// Package main provides a load generator for mailqueue: it enqueues a mix
// of all eight task kinds and measures enqueue and drain throughput.
//
// Usage:
//
//	go run cmd/benchmark/main.go -tasks 100000 -workers 10
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/mailqueue/pkg/kv"
	"github.com/guido-cesarano/mailqueue/pkg/scheduler"
	"github.com/guido-cesarano/mailqueue/pkg/tasks"
)

// kindGenerators builds a representative payload for each of the eight
// task kinds, cycled round-robin across enqueued tasks so a benchmark run
// exercises every handler rather than a single synthetic type.
func kindGenerators(i int) (tasks.Kind, interface{}) {
	switch i % 8 {
	case 0:
		return tasks.KindProcessEmail, tasks.ProcessEmailPayload{
			MessageID: fmt.Sprintf("bench-msg-%d", i), From: "bench@example.com",
			To: []string{"dest@example.com"}, Subject: "benchmark", TextContent: "benchmark body",
		}
	case 1:
		return tasks.KindSendEmail, tasks.SendEmailPayload{
			From: "bench@example.com", To: []string{"dest@example.com"}, Subject: "benchmark", TextBody: "benchmark body",
		}
	case 2:
		return tasks.KindProcessAttachments, tasks.ProcessAttachmentsPayload{
			MessageID: fmt.Sprintf("bench-msg-%d", i),
			Attachments: []tasks.AttachmentRef{
				{Filename: "file.txt", ContentType: "text/plain", RawBlobKey: fmt.Sprintf("bench-blob-%d", i), SizeBytes: 1024},
			},
		}
	case 3:
		now := time.Now()
		return tasks.KindGenerateAnalytics, tasks.GenerateAnalyticsPayload{
			WindowStartMs: now.Add(-time.Hour).UnixMilli(), WindowEndMs: now.UnixMilli(),
		}
	case 4:
		return tasks.KindCleanupStorage, tasks.CleanupStoragePayload{
			Types: []string{"email"}, CutoffMs: time.Now().Add(-24 * time.Hour).UnixMilli(), DryRun: true,
		}
	case 5:
		return tasks.KindIndexSearch, tasks.IndexSearchPayload{
			DocType: "email", DocID: fmt.Sprintf("bench-doc-%d", i), Content: "quarterly revenue report benchmark",
		}
	case 6:
		return tasks.KindUpdateThread, tasks.UpdateThreadPayload{
			ThreadID: fmt.Sprintf("bench-thread-%d", i%100), Mutation: map[string]interface{}{"subject": "updated"},
		}
	default:
		return tasks.KindSendNotification, tasks.SendNotificationPayload{
			UserID: fmt.Sprintf("bench-user-%d", i), Channel: "push", Title: "benchmark", Body: "benchmark",
		}
	}
}

func main() {
	numTasks := flag.Int("tasks", 100000, "Number of tasks to enqueue")
	numWorkers := flag.Int("workers", 10, "Number of concurrent enqueuers")
	redisAddr := flag.String("redis", "127.0.0.1:6379", "Redis address")
	flag.Parse()

	store := kv.NewFromAddr(*redisAddr)
	sch := scheduler.New(store)
	ctx := context.Background()

	fmt.Println("mailqueue benchmark")
	fmt.Println("===================")
	fmt.Printf("Tasks to enqueue: %d\n", *numTasks)
	fmt.Printf("Concurrent workers: %d\n\n", *numWorkers)

	fmt.Println("Starting enqueue phase...")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	tasksPerWorker := *numTasks / *numWorkers

	for w := 0; w < *numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < tasksPerWorker; j++ {
				i := workerID*tasksPerWorker + j
				kind, payload := kindGenerators(i)
				if _, err := sch.Enqueue(ctx, kind, payload, scheduler.EnqueueOptions{Priority: tasks.PriorityNormal}); err != nil {
					fmt.Printf("error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(w)
	}
	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("Enqueued %d tasks in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	fmt.Println("Waiting for all tasks to drain (run cmd/worker separately)...")
	startDrain := time.Now()

	for {
		ready, _ := store.ZCard(ctx, kv.KeyReady)
		scheduled, _ := store.ZCard(ctx, kv.KeyScheduled)
		processing, _ := store.ZCard(ctx, kv.KeyProcessing)
		remaining := ready + scheduled + processing
		if remaining == 0 {
			break
		}
		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d\n", remaining)
	}

	drainTime := time.Since(startDrain)
	fmt.Printf("\nAll tasks drained in %s\n", drainTime)
	total := enqueueTime + drainTime
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(*numTasks)/total.Seconds())
}
