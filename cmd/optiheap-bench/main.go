// Command optiheap-bench drives the three workload shapes used to
// characterize the allocator during development: a pure sequential
// alloc-then-free pass, a churning random-pattern live set, and a
// fragmentation-stress pass that interleaves small and large blocks. Each
// shape can run with several concurrent workers sharing one Allocator.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"
	"unsafe"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/optiheap/optiheap/internal/optiheap"
)

// workloadConfig mirrors the original benchmark harness's
// benchmark_config_t: a name, a size range, a request count, and a
// fragmentation knob used only by the fragmentation-stress shape.
type workloadConfig struct {
	Name                string  `json:"name"`
	MinSize             int     `json:"min_size"`
	MaxSize             int     `json:"max_size"`
	NumAllocations      int     `json:"num_allocations"`
	FragmentationFactor float64 `json:"fragmentation_factor"`
}

func defaultWorkload() workloadConfig {
	return workloadConfig{
		Name:                "default",
		MinSize:             16,
		MaxSize:             4096,
		NumAllocations:      20000,
		FragmentationFactor: 0.3,
	}
}

// workloadResult mirrors benchmark_result_t: enough to print a throughput
// line per shape per worker.
type workloadResult struct {
	Shape         string
	TotalOps      int
	Elapsed       time.Duration
	KOpsPerSecond float64
}

func main() {
	var (
		shape      string
		workers    int
		configPath string
		csvPath    string
		threadSafe bool
		minSize    int
		maxSize    int
		numAllocs  int
		fragFactor float64
	)

	flag.StringVar(&shape, "shape", "sequential", "workload shape: sequential, random, fragmentation")
	flag.IntVar(&workers, "workers", 1, "number of concurrent workers sharing one allocator")
	flag.StringVar(&configPath, "config", "", "path to a JSON workload config, watched for live reload")
	flag.StringVar(&csvPath, "csv", "", "path to write a CSV report, one row per worker per pass")
	flag.BoolVar(&threadSafe, "thread-safe", true, "enable the allocator's mutexes")
	flag.IntVar(&minSize, "min-size", 0, "override the default workload's minimum request size")
	flag.IntVar(&maxSize, "max-size", 0, "override the default workload's maximum request size")
	flag.IntVar(&numAllocs, "num-allocations", 0, "override the default workload's allocation count")
	flag.Float64Var(&fragFactor, "fragmentation-factor", 0, "override the default workload's fragmentation factor")

	flag.Parse()

	cfg := defaultWorkload()
	cfg.Name = shape

	if minSize > 0 {
		cfg.MinSize = minSize
	}

	if maxSize > 0 {
		cfg.MaxSize = maxSize
	}

	if numAllocs > 0 {
		cfg.NumAllocations = numAllocs
	}

	if fragFactor > 0 {
		cfg.FragmentationFactor = fragFactor
	}

	if configPath != "" {
		if loaded, err := loadWorkloadConfig(configPath); err == nil {
			cfg = loaded
		} else {
			fmt.Fprintf(os.Stderr, "optiheap-bench: ignoring unreadable config %s: %v\n", configPath, err)
		}
	}

	alloc, err := optiheap.New(optiheap.WithThreadSafe(threadSafe))
	if err != nil {
		fmt.Fprintf(os.Stderr, "optiheap-bench: %v\n", err)
		os.Exit(1)
	}

	reload := make(chan workloadConfig, 1)

	if configPath != "" {
		go watchConfig(configPath, reload)
	}

	var csvWriter *csv.Writer

	if csvPath != "" {
		f, err := os.Create(csvPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "optiheap-bench: create %s: %v\n", csvPath, err)
			os.Exit(1)
		}
		defer f.Close()

		csvWriter = csv.NewWriter(f)
		defer csvWriter.Flush()

		_ = csvWriter.Write([]string{"shape", "worker", "total_ops", "elapsed_ms", "kops_per_sec"})
	}

	run := func(cfg workloadConfig) {
		group, _ := errgroup.WithContext(context.Background())
		results := make([]workloadResult, workers)

		for w := 0; w < workers; w++ {
			w := w

			group.Go(func() error {
				results[w] = runWorkload(alloc, cfg)
				return nil
			})
		}

		_ = group.Wait()

		for w, r := range results {
			fmt.Printf("worker %d: %s ops=%d elapsed=%s %.1f kops/sec\n", w, r.Shape, r.TotalOps, r.Elapsed, r.KOpsPerSecond)

			if csvWriter != nil {
				_ = csvWriter.Write([]string{
					r.Shape,
					strconv.Itoa(w),
					strconv.Itoa(r.TotalOps),
					strconv.FormatInt(r.Elapsed.Milliseconds(), 10),
					strconv.FormatFloat(r.KOpsPerSecond, 'f', 2, 64),
				})
				csvWriter.Flush()
			}
		}
	}

	run(cfg)

	select {
	case next := <-reload:
		fmt.Println("optiheap-bench: config changed, running one more pass")
		run(next)
	default:
	}
}

func loadWorkloadConfig(path string) (workloadConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return workloadConfig{}, err
	}

	cfg := defaultWorkload()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return workloadConfig{}, err
	}

	return cfg, nil
}

// watchConfig sends a freshly loaded config on reload whenever configPath
// is rewritten, so a long-running benchmark can pick up new parameters
// without a restart.
func watchConfig(path string, reload chan<- workloadConfig) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(os.Stderr, "optiheap-bench: fsnotify: %v\n", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		fmt.Fprintf(os.Stderr, "optiheap-bench: watch %s: %v\n", path, err)
		return
	}

	for event := range watcher.Events {
		if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			continue
		}

		cfg, err := loadWorkloadConfig(path)
		if err != nil {
			continue
		}

		select {
		case reload <- cfg:
		default:
		}
	}
}

func runWorkload(alloc *optiheap.Allocator, cfg workloadConfig) workloadResult {
	start := time.Now()

	var ops int

	switch cfg.Name {
	case "random":
		ops = runRandomPattern(alloc, cfg)
	case "fragmentation":
		ops = runFragmentationStress(alloc, cfg)
	default:
		ops = runSequential(alloc, cfg)
	}

	elapsed := time.Since(start)

	return workloadResult{
		Shape:         cfg.Name,
		TotalOps:      ops,
		Elapsed:       elapsed,
		KOpsPerSecond: float64(ops) / 1000 / elapsed.Seconds(),
	}
}

func randomSize(rng *rand.Rand, cfg workloadConfig) uintptr {
	span := cfg.MaxSize - cfg.MinSize
	if span <= 0 {
		return uintptr(cfg.MinSize)
	}

	return uintptr(cfg.MinSize + rng.Intn(span))
}

// runSequential allocates cfg.NumAllocations blocks, then frees every one
// of them, as two separate phases.
func runSequential(alloc *optiheap.Allocator, cfg workloadConfig) int {
	rng := rand.New(rand.NewSource(1))
	ptrs := make([]unsafe.Pointer, 0, cfg.NumAllocations)

	for i := 0; i < cfg.NumAllocations; i++ {
		ptr, err := alloc.Allocate(randomSize(rng, cfg))
		if err == nil {
			ptrs = append(ptrs, ptr)
		}
	}

	for _, ptr := range ptrs {
		_ = alloc.Free(ptr)
	}

	return len(ptrs) * 2
}

// runRandomPattern keeps a bounded live set and, on each step, randomly
// allocates a new block or frees one already in the set, churning the
// heap the way a long-running process with mixed object lifetimes would.
func runRandomPattern(alloc *optiheap.Allocator, cfg workloadConfig) int {
	rng := rand.New(rand.NewSource(2))
	maxLive := cfg.NumAllocations / 4
	if maxLive < 1 {
		maxLive = 1
	}

	live := make([]unsafe.Pointer, 0, maxLive)
	ops := 0

	for i := 0; i < cfg.NumAllocations; i++ {
		if len(live) < maxLive && (len(live) == 0 || rng.Intn(2) == 0) {
			ptr, err := alloc.Allocate(randomSize(rng, cfg))
			if err == nil {
				live = append(live, ptr)
				ops++
			}

			continue
		}

		idx := rng.Intn(len(live))
		_ = alloc.Free(live[idx])
		live[idx] = live[len(live)-1]
		live = live[:len(live)-1]
		ops++
	}

	for _, ptr := range live {
		_ = alloc.Free(ptr)
		ops++
	}

	return ops
}

// runFragmentationStress alternates large and small allocations, then
// frees the first FragmentationFactor fraction of the large ones, then the
// remaining large ones, then every small one. Nothing is allocated between
// those steps, so the holes the first step leaves are not reused within a
// pass, and every block is freed before it returns.
func runFragmentationStress(alloc *optiheap.Allocator, cfg workloadConfig) int {
	rng := rand.New(rand.NewSource(3))

	var large, small []unsafe.Pointer

	for i := 0; i < cfg.NumAllocations; i++ {
		if i%2 == 0 {
			size := cfg.MaxSize/2 + rng.Intn(cfg.MaxSize/2+1)

			ptr, err := alloc.Allocate(uintptr(size))
			if err == nil {
				large = append(large, ptr)
			}

			continue
		}

		size := cfg.MinSize + rng.Intn(cfg.MinSize+1)

		ptr, err := alloc.Allocate(uintptr(size))
		if err == nil {
			small = append(small, ptr)
		}
	}

	target := int(float64(len(large)) * cfg.FragmentationFactor)

	for i := 0; i < target && i < len(large); i++ {
		_ = alloc.Free(large[i])
	}

	for i := target; i < len(large); i++ {
		_ = alloc.Free(large[i])
	}

	for _, ptr := range small {
		_ = alloc.Free(ptr)
	}

	return len(large) + len(small)
}
