package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ypluo/TLBtree/pkg/config"
	"github.com/ypluo/TLBtree/pkg/tlbtree"
)

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

func main() {
	var promptFlag = flag.Bool("c", true, "use prompt?")
	var poolFlag = flag.String("pool", "data/tlbtree.pool", "pool file backing the index")
	var sizeFlag = flag.Uint64("size", config.DefaultPoolSize>>20, "pool size in MiB for a fresh index")
	var syncFlag = flag.Bool("sync", false, "flush synchronously on every persist")
	var verboseFlag = flag.Bool("v", false, "log index events to stderr")
	flag.Parse()

	logger := zap.NewNop()
	if *verboseFlag {
		logger, _ = zap.NewDevelopment()
	}
	mode := config.FlushAsync
	if *syncFlag {
		mode = config.FlushSync
	}

	index, err := tlbtree.Open(*poolFlag,
		tlbtree.WithPoolSize(*sizeFlag<<20),
		tlbtree.WithFlushMode(mode),
		tlbtree.WithLogger(logger))
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer index.Close()
	setupCloseHandler(index)

	prompt := config.GetPrompt(*promptFlag)
	tlbtree.IndexRepl(index).Run(uuid.New(), prompt, nil, nil)
}
