package main

// main.go runs the same workload bench/bench_test.go exercises via `go
// test -bench`, but as a standalone binary so a CI dashboard can invoke it
// without the testing package's harness. Grounded in the teacher's bare
// bench/bench_test.go (there was no standalone runner in the teacher repo;
// this runs its own upsert loop mirroring BenchmarkUpsert rather than
// calling the benchmark functions), using pflag for its flags the same way
// cmd/corekv-inspect does.
//
// © 2025 corekv authors. MIT License.

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/Voskan/corekv/pkg/corekv"
)

func main() {
	var (
		dir        = flag.String("dir", "", "store directory (default: a fresh temp dir)")
		numKeys    = flag.Int("keys", 1<<16, "number of distinct keys in the dataset")
		numOps     = flag.Int("ops", 1<<20, "number of upsert operations to run")
		memorySize = flag.Int64("memory-size", 64<<20, "in-memory log capacity in bytes")
		pageSize   = flag.Int64("page-size", 1<<20, "page size in bytes")
		seed       = flag.Int64("seed", 42, "PRNG seed for the key dataset")
	)
	flag.Parse()

	storeDir := *dir
	if storeDir == "" {
		var err error
		storeDir, err = os.MkdirTemp("", "corekv-bench-*")
		if err != nil {
			fatal(err)
		}
		defer os.RemoveAll(storeDir)
	}

	st, err := corekv.Open(storeDir,
		corekv.WithMemorySize(*memorySize),
		corekv.WithPageSize(*pageSize),
		corekv.WithCheckpointOnClose(false),
	)
	if err != nil {
		fatal(err)
	}
	defer st.Close(context.Background())

	r := rand.New(rand.NewSource(*seed))
	keys := make([][]byte, *numKeys)
	for i := range keys {
		k := make([]byte, 8)
		binary.LittleEndian.PutUint64(k, r.Uint64())
		keys[i] = k
	}
	val := make([]byte, 64)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < *numOps; i++ {
		key := keys[i%len(keys)]
		if err := st.Upsert(ctx, key, val); err != nil {
			fatal(err)
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("ops=%d elapsed=%s ns/op=%.1f ops/sec=%.0f\n",
		*numOps, elapsed, float64(elapsed.Nanoseconds())/float64(*numOps),
		float64(*numOps)/elapsed.Seconds())

	stats := st.Stats()
	fmt.Printf("begin=%d head=%d read_only=%d tail=%d\n",
		stats.Begin, stats.Head, stats.ReadOnly, stats.Tail)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "corekv-bench:", err)
	os.Exit(1)
}
