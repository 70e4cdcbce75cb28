package main

// main.go implements the corekv inspector CLI: it parses command-line
// flags, fetches diagnostic data from a target process exposing corekv's
// debug endpoint, and prints it either as pretty text or JSON. It also
// supports periodic watch mode and pprof snapshot download.
//
// The target Go service is expected to expose (see pkg/corekv/httpdebug):
//   - GET /debug/corekv/snapshot  – JSON payload with store boundaries and
//     counters.
//   - GET /debug/pprof/{heap,goroutine} – standard pprof handlers
//     (net/http/pprof), if the target process registers them.
//
// The snapshot object is decoded into map[string]any to avoid version skew
// between this CLI and the library it polls.
//
// Grounded directly in the teacher's cmd/arena-cache-inspect/main.go; only
// the snapshot field names and the flag library (pflag instead of the
// standard flag package, per the wider example pack's CLI convention)
// changed.
//
// © 2025 corekv authors. MIT License.

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
)

var version = "dev"

type options struct {
	target           string
	watch            bool
	interval         time.Duration
	json             bool
	heapProfile      string
	goroutineProfile string
	version          bool
}

func parseFlags() *options {
	o := &options{}
	flag.StringVar(&o.target, "target", "http://localhost:7070", "base URL of the corekv process to inspect")
	flag.BoolVar(&o.watch, "watch", false, "poll the snapshot endpoint repeatedly")
	flag.DurationVar(&o.interval, "interval", 2*time.Second, "polling interval in watch mode")
	flag.BoolVar(&o.json, "json", false, "print the raw JSON snapshot instead of a formatted table")
	flag.StringVar(&o.heapProfile, "heap-profile", "", "download /debug/pprof/heap to this path and exit")
	flag.StringVar(&o.goroutineProfile, "goroutine-profile", "", "download /debug/pprof/goroutine to this path and exit")
	flag.BoolVar(&o.version, "version", false, "print the CLI version and exit")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()

	if opts.version {
		fmt.Println(version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if opts.heapProfile != "" {
		if err := downloadProfile(ctx, opts.target, "heap", opts.heapProfile); err != nil {
			fatal(err)
		}
		return
	}
	if opts.goroutineProfile != "" {
		if err := downloadProfile(ctx, opts.target, "goroutine", opts.goroutineProfile); err != nil {
			fatal(err)
		}
		return
	}

	if opts.watch {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			if err := dumpOnce(ctx, opts); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			select {
			case <-ticker.C:
				continue
			case <-ctx.Done():
				return
			}
		}
	}

	if err := dumpOnce(ctx, opts); err != nil {
		fatal(err)
	}
}

func dumpOnce(ctx context.Context, opts *options) error {
	snap, err := fetchSnapshot(ctx, opts.target)
	if err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return prettyPrint(snap)
}

func fetchSnapshot(ctx context.Context, base string) (map[string]any, error) {
	url := base + "/debug/corekv/snapshot"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", res.Status)
	}
	var data map[string]any
	if err := json.NewDecoder(res.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

func prettyPrint(data map[string]any) error {
	fmt.Printf("Begin:                %v\n", data["begin"])
	fmt.Printf("Head:                 %v\n", data["head"])
	fmt.Printf("ReadOnly:             %v\n", data["read_only"])
	fmt.Printf("Tail:                 %v\n", data["tail"])
	fmt.Printf("LastCheckpointToken:  %v\n", data["last_checkpoint_token"])
	fmt.Printf("CheckpointsCommitted: %v\n", data["checkpoints_committed"])
	fmt.Printf("GCPasses:             %v\n", data["gc_passes"])
	if errStr, ok := data["last_background_error"]; ok && errStr != "" {
		fmt.Printf("LastBackgroundError:  %v\n", errStr)
	}
	return nil
}

func downloadProfile(ctx context.Context, base, name, path string) error {
	url := fmt.Sprintf("%s/debug/pprof/%s", base, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", res.Status)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, res.Body); err != nil {
		return err
	}
	fmt.Printf("%s profile saved to %s\n", name, path)
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "corekv-inspect:", err)
	os.Exit(1)
}
