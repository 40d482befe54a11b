package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ypluo/TLBtree/pkg/config"
	"github.com/ypluo/TLBtree/pkg/tlbtree"
)

type op struct {
	kind byte // 'i', 'f', 'u', 'd'
	key  int64
	val  int64
}

// Listens for SIGINT or SIGTERM and closes the index cleanly.
func setupCloseHandler(index *tlbtree.Tree) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("closehandler invoked")
		index.Close()
		os.Exit(0)
	}()
}

// parseWorkload reads a workload file produced by tlbtree_datagen.
func parseWorkload(path string) ([]op, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var ops []op
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad key in %q", scanner.Text())
		}
		o := op{kind: fields[0][0], key: key}
		if len(fields) > 2 {
			if o.val, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
				return nil, fmt.Errorf("bad value in %q", scanner.Text())
			}
		}
		ops = append(ops, o)
	}
	return ops, scanner.Err()
}

func main() {
	var workloadFlag = flag.String("f", "", "workload file (required)")
	var poolFlag = flag.String("pool", "data/stress.pool", "pool file backing the index")
	var sizeFlag = flag.Uint64("size", 1024, "pool size in MiB for a fresh index")
	var threadsFlag = flag.Int("t", 4, "number of worker goroutines")
	var verifyFlag = flag.Bool("verify", false, "check structural invariants after the workload")
	flag.Parse()

	if *workloadFlag == "" {
		fmt.Println("no workload file given")
		return
	}
	workload, err := parseWorkload(*workloadFlag)
	if err != nil {
		fmt.Println(err)
		return
	}

	logger, _ := zap.NewProduction()
	index, err := tlbtree.Open(*poolFlag,
		tlbtree.WithPoolSize(*sizeFlag<<20),
		tlbtree.WithFlushMode(config.FlushAsync),
		tlbtree.WithLogger(logger))
	if err != nil {
		fmt.Println(err)
		return
	}
	defer index.Close()
	setupCloseHandler(index)

	start := time.Now()
	var eg errgroup.Group
	for w := 0; w < *threadsFlag; w++ {
		stride := *threadsFlag
		first := w
		eg.Go(func() error {
			misses := 0
			for i := first; i < len(workload); i += stride {
				o := workload[i]
				switch o.kind {
				case 'i':
					index.Insert(o.key, o.val)
				case 'f':
					if _, found := index.Find(o.key); !found {
						misses++
					}
				case 'u':
					index.Update(o.key, o.val)
				case 'd':
					index.Remove(o.key)
				default:
					return fmt.Errorf("unknown operation %q", o.kind)
				}
			}
			if misses > 0 {
				logger.Info("worker finished with misses", zap.Int("worker", first), zap.Int("misses", misses))
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		fmt.Println(err)
		return
	}
	took := time.Since(start)
	fmt.Printf("ran %d operations on %d goroutines in %v (%.0f ops/sec)\n",
		len(workload), *threadsFlag, took, float64(len(workload))/took.Seconds())

	if *verifyFlag {
		if err := index.Verify(); err != nil {
			fmt.Println("verification failed:", err)
			os.Exit(1)
		}
		fmt.Println("index is structurally sound")
	}
}
