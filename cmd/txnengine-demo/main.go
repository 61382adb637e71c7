package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/statelang/txnengine/pkg/audit"
	"github.com/statelang/txnengine/pkg/config"
	"github.com/statelang/txnengine/pkg/locks"
	"github.com/statelang/txnengine/pkg/logging"
	"github.com/statelang/txnengine/pkg/metrics"
	"github.com/statelang/txnengine/pkg/storage"
	"github.com/statelang/txnengine/pkg/txn"
)

const metricsAddr = "localhost:9190"

func main() {
	fmt.Printf("Transaction Engine Demo\n")
	fmt.Printf("=======================\n\n")

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	reg := metrics.NewRegistry()
	logger := logging.NewJSONLogger(logDestination(), logging.ParseLevel(cfg.LogLevel))

	manager, err := txn.Open(cfg,
		txn.WithMetrics(reg),
		txn.WithLogger(logger),
		txn.WithEventCallback(func(e audit.Event) {
			fmt.Printf("  event: %-18s tx=%s keys=%v\n", e.EventType, e.TxID, e.Keys)
		}))
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer manager.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	fmt.Printf("Storage backend: %s\n\n", cfg.Storage)

	fmt.Printf("--- 1. Commit makes writes visible ---\n")
	demoCommit(manager)

	fmt.Printf("\n--- 2. Savepoints undo partial work ---\n")
	demoSavepoint(manager)

	fmt.Printf("\n--- 3. Writers conflict, readers share ---\n")
	demoConflict(manager)

	fmt.Printf("\n--- 4. Deadlocks are detected, not waited out ---\n")
	demoDeadlock(manager)

	fmt.Printf("\nMetrics are being served at http://%s/metrics\n", metricsAddr)
	fmt.Printf("Done.\n")
}

func logDestination() *writerFunc {
	return &writerFunc{}
}

// writerFunc routes engine diagnostics into the demo output.
type writerFunc struct{}

func (w *writerFunc) Write(p []byte) (int, error) {
	fmt.Printf("  log: %s", p)
	return len(p), nil
}

func demoCommit(m *txn.Manager) {
	tx, err := m.Begin(txn.ReadCommitted)
	if err != nil {
		log.Fatalf("begin: %v", err)
	}
	if err := m.Write(tx, "user:1:name", storage.StringValue("Alice")); err != nil {
		log.Fatalf("write: %v", err)
	}
	if err := m.Write(tx, "user:1:balance", storage.IntValue(100)); err != nil {
		log.Fatalf("write: %v", err)
	}
	if err := m.Commit(tx); err != nil {
		log.Fatalf("commit: %v", err)
	}

	v, _, _ := m.Committed("user:1:name")
	name, _ := v.AsString()
	fmt.Printf("  committed user:1:name = %q\n", name)
}

func demoSavepoint(m *txn.Manager) {
	tx, err := m.Begin(txn.ReadCommitted)
	if err != nil {
		log.Fatalf("begin: %v", err)
	}
	m.Write(tx, "order:1", storage.StringValue("pending"))
	m.CreateSavepoint(tx, "before_total")
	m.Write(tx, "order:1:total", storage.IntValue(-500))
	fmt.Printf("  oops, negative total; rolling back to savepoint\n")
	m.RollbackToSavepoint(tx, "before_total")
	if err := m.Commit(tx); err != nil {
		log.Fatalf("commit: %v", err)
	}

	if _, found, _ := m.Committed("order:1:total"); !found {
		fmt.Printf("  order:1:total never reached storage\n")
	}
}

func demoConflict(m *txn.Manager) {
	holder, _ := m.Begin(txn.ReadCommitted)
	m.Write(holder, "inventory:42", storage.IntValue(7))

	rival, _ := m.BeginWithTimeout(txn.ReadCommitted, 100*time.Millisecond)
	err := m.Write(rival, "inventory:42", storage.IntValue(8))
	if errors.Is(err, txn.ErrDeadlock) {
		fmt.Printf("  rival writer timed out waiting for the lock\n")
	}
	m.Rollback(rival)
	m.Commit(holder)
}

func demoDeadlock(m *txn.Manager) {
	tx1, _ := m.Begin(txn.ReadCommitted)
	tx2, _ := m.Begin(txn.ReadCommitted)
	m.Write(tx1, "key:a", storage.IntValue(1))
	m.Write(tx2, "key:b", storage.IntValue(2))

	done := make(chan struct{})
	go func() {
		defer close(done)
		// tx1 blocks waiting for key:b.
		m.Write(tx1, "key:b", storage.IntValue(3))
	}()
	time.Sleep(100 * time.Millisecond)

	err := m.Write(tx2, "key:a", storage.IntValue(4))
	var dead *locks.DeadlockError
	if errors.As(err, &dead) {
		fmt.Printf("  cycle refused immediately: %v\n", dead.Cycle)
	}

	m.Rollback(tx2)
	<-done
	m.Commit(tx1)
}
