package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/reconcile/pkg/engine"
	"github.com/openfroyo/reconcile/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the database connection
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_Write demonstrates a lock-scoped import.
func ExampleSQLiteStore_Write() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	lock, err := store.AcquireLock(ctx, "ci@runner-1")
	if err != nil {
		log.Fatal(err)
	}

	rec := engine.TrackedResource{Address: "lb.main", ProviderID: "arn:aws:elasticloadbalancing:lb/app-alb/1", Kind: "aws_lb"}
	if err := store.Write(ctx, lock, rec, false); err != nil {
		log.Fatal(err)
	}

	// A second write without force reports the address as tracked
	err = store.Write(ctx, lock, rec, false)
	fmt.Println("already tracked:", engine.IsAlreadyTracked(err))

	_ = store.ReleaseLock(ctx, lock)

	tracked, _ := store.Read(ctx, "lb.main")
	fmt.Printf("%s -> %s\n", tracked.Address, tracked.ProviderID)
	// Output:
	// already tracked: true
	// lb.main -> arn:aws:elasticloadbalancing:lb/app-alb/1
}
