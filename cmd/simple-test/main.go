package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"sqs-buffer/src/buffer"
	"sqs-buffer/src/client"
	"sqs-buffer/src/config"
	"sqs-buffer/src/queue"
	"sqs-buffer/src/storage"
	"sqs-buffer/src/storage/memory"
	"sqs-buffer/src/storage/sqlite"
	"sqs-buffer/src/storage/sqs"
)

type ping struct {
	Seq  int       `json:"seq"`
	Sent time.Time `json:"sent"`
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	ctx := context.Background()

	fmt.Printf("Testing round trip against the %s backend...\n", cfg.Backend)

	conns, closeBackend := connect(cfg)
	defer closeBackend()

	manager, err := client.NewManager(conns,
		client.WithNameRegistry(queue.NewRegistry(cfg.QueuePrefix)),
		client.WithDefaults(client.Defaults{
			VisibilityTimeout: cfg.VisibilityTimeout,
			ReceiveBatchSize:  cfg.ReceiveBatchSize,
			MaxReceiveCount:   cfg.MaxReceiveCount,
			DisableBuffering:  cfg.DisableBuffering,
		}))
	if err != nil {
		log.Fatalf("Failed to create queue manager: %v", err)
	}
	defer manager.Close()

	buffers, err := buffer.NewFactory(conns, buffer.WithErrorHandler(func(err error) {
		fmt.Printf("Flush error: %v\n", err)
	}))
	if err != nil {
		log.Fatalf("Failed to create buffers: %v", err)
	}
	defer buffers.Close()

	c := client.NewClient(manager, buffers)
	name := queue.InName("ping")

	// Test 1: Create the queue and its dead-letter queue
	fmt.Printf("\n1. Creating queue %q...\n", name)
	def, err := manager.GetOrCreate(ctx, name, nil)
	if err != nil {
		log.Fatalf("Failed to create queue: %v", err)
	}
	fmt.Printf("URL: %s\nARN: %s\n", def.URL, def.ARN)
	if def.RedrivePolicy != nil {
		fmt.Printf("Redrive: %s\n", def.RedrivePolicy)
	}

	// Test 2: Publish a few messages
	fmt.Println("\n2. Publishing 3 messages...")
	for i := 1; i <= 3; i++ {
		if err := c.SendOneWay(ctx, ping{Seq: i, Sent: time.Now()}); err != nil {
			log.Fatalf("Failed to publish: %v", err)
		}
	}
	buffers.DrainAll(ctx, true)

	// Test 3: Receive and acknowledge
	fmt.Println("\n3. Receiving messages...")
	for i := 0; i < 3; i++ {
		env, err := c.Get(ctx, name, 5*time.Second)
		if err != nil {
			log.Fatalf("Failed to receive: %v", err)
		}
		if env == nil {
			log.Fatalf("Timed out waiting for message %d", i+1)
		}
		var p ping
		if err := env.Decode(&p); err != nil {
			log.Fatalf("Failed to decode payload: %v", err)
		}
		fmt.Printf("Received seq=%d after %s\n", p.Seq, time.Since(p.Sent).Round(time.Millisecond))

		if p.Seq == 2 {
			if err := c.Nak(ctx, env, false, fmt.Errorf("rejected by smoke test")); err != nil {
				log.Fatalf("Failed to nak: %v", err)
			}
			continue
		}
		if err := c.Ack(ctx, env); err != nil {
			log.Fatalf("Failed to ack: %v", err)
		}
	}
	buffers.DrainAll(ctx, true)

	// Test 4: The rejected message sits in the dead-letter queue
	fmt.Println("\n4. Checking the dead-letter queue...")
	dead, err := c.Get(ctx, queue.DeadLetterName(name), 5*time.Second)
	if err != nil {
		log.Fatalf("Failed to receive from dead-letter queue: %v", err)
	}
	if dead == nil {
		log.Fatalf("Dead-letter queue is empty")
	}
	fmt.Printf("Dead-lettered envelope %s: %s\n", dead.ID, dead.Error)
	if err := c.Ack(ctx, dead); err != nil {
		log.Fatalf("Failed to ack dead letter: %v", err)
	}

	if err := c.Close(); err != nil {
		log.Fatalf("Failed to close client: %v", err)
	}
	fmt.Println("\nAll tests completed")
}

func connect(cfg *config.Config) (storage.ConnectionFactory, func()) {
	switch cfg.Backend {
	case config.BackendSQLite:
		store, err := sqlite.NewSQLiteStorage(cfg.DBPath)
		if err != nil {
			log.Fatalf("Failed to open sqlite: %v", err)
		}
		return store, func() { store.Close() }
	case config.BackendSQS:
		conns, err := sqs.NewConnectionFactory(sqs.Config{
			Region:          cfg.AWSRegion,
			Endpoint:        cfg.SQSEndpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			log.Fatalf("Failed to create SQS session: %v", err)
		}
		return conns, func() {}
	default:
		return memory.New(), func() {}
	}
}
