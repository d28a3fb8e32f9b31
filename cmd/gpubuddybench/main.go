// Command gpubuddybench drives a synthetic alloc/free workload against
// pool.Pool and reports throughput and the configured budget. Argument parsing
// and reporting follow tools/llrb/main.go's flag + go-humanize style.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/bnclabs/gpubuddy/pool"
	hm "github.com/dustin/go-humanize"
)

var options struct {
	gpu       int
	sizerange [2]int
	n         int
	threads   int
	levelMax  int
}

func argParse() {
	var sizerange string

	flag.IntVar(&options.gpu, "gpu", -1,
		"device index to allocate from, negative selects host memory")
	flag.StringVar(&sizerange, "sizerange", "64,4096",
		"minsize,maxsize - generate allocation sizes between [minsize,maxsize)")
	flag.IntVar(&options.n, "n", 10000,
		"number of allocate-then-free cycles per thread")
	flag.IntVar(&options.threads, "threads", 4,
		"number of concurrent pools hammering the same location")
	flag.IntVar(&options.levelMax, "levelmax", int(pool.ArenaLevel)+4,
		"budget exponent to configure for the target location before the run")
	flag.Parse()

	options.sizerange = [2]int{64, 4096}
	if sizerange != "" {
		for i, s := range strings.Split(sizerange, ",") {
			n, _ := strconv.Atoi(s)
			options.sizerange[i] = n
		}
	}
}

func main() {
	argParse()

	if options.gpu < 0 {
		pool.SetHostPoolSize(int64(options.levelMax))
	} else {
		pool.SetDevicePoolSize(int64(options.levelMax))
	}

	now := time.Now()
	var wg sync.WaitGroup
	var allocs, fails int64
	var mu sync.Mutex
	for t := 0; t < options.threads; t++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, f := runWorker()
			mu.Lock()
			allocs += a
			fails += f
			mu.Unlock()
		}()
	}
	wg.Wait()
	elapsed := time.Since(now)

	budget := hm.Bytes(uint64(1) << uint(options.levelMax))
	fmt.Printf("Took %v to run %v alloc/free cycles across %v threads (budget:%v)\n",
		elapsed, int64(options.threads)*int64(options.n), options.threads, budget)
	fmt.Printf("allocs:%v failures:%v rate:%v/sec\n",
		allocs, fails, float64(allocs)/elapsed.Seconds())

	if err := pool.ReleaseGlobalPool(options.gpu); err != nil {
		fmt.Printf("ReleaseGlobalPool: %v\n", err)
	}
}

func runWorker() (allocs, fails int64) {
	p, err := pool.New(options.gpu)
	if err != nil {
		fmt.Printf("pool.New: %v\n", err)
		return 0, int64(options.n)
	}
	defer p.Release()

	min, max := options.sizerange[0], options.sizerange[1]
	live := make([]unsafe.Pointer, 0, options.n)
	for i := 0; i < options.n; i++ {
		size := uint64(rand.Intn(max-min) + min)
		ptr := p.Alloc(size)
		if ptr == nil {
			fails++
			continue
		}
		allocs++
		live = append(live, ptr)
		if len(live) > 32 {
			p.Free(live[0])
			live = live[1:]
		}
	}
	for _, ptr := range live {
		p.Free(ptr)
	}
	return allocs, fails
}
