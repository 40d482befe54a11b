package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/spaolacci/murmur3"
)

// Workload generator. Emits a load phase of unique-key inserts followed
// by a mixed phase whose operations reference loaded keys, optionally
// with a zipfian skew. The output feeds tlbtree_stress line by line.

// scramble turns a sequence number into a spread-out positive key, so
// the load phase does not present sorted input to the index.
func scramble(i uint64) int64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], i)
	return int64(murmur3.Sum64(buf[:])>>1) + 1
}

func main() {
	var outFlag = flag.String("o", "workload.txt", "output workload file")
	var loadFlag = flag.Int("l", 100000, "number of keys loaded up front")
	var opsFlag = flag.Int("n", 1000000, "number of mixed operations")
	var readFlag = flag.Int("r", 50, "percentage of finds in the mixed phase")
	var insertFlag = flag.Int("i", 30, "percentage of inserts in the mixed phase")
	var updateFlag = flag.Int("u", 10, "percentage of updates in the mixed phase")
	var deleteFlag = flag.Int("d", 10, "percentage of deletes in the mixed phase")
	var zipfFlag = flag.Float64("z", 0, "zipfian skew (0 for uniform, otherwise > 1)")
	var seedFlag = flag.Int64("s", 42, "random seed")
	flag.Parse()

	if *readFlag+*insertFlag+*updateFlag+*deleteFlag != 100 {
		fmt.Println("operation mix percentages must sum to 100")
		os.Exit(1)
	}
	if *zipfFlag != 0 && *zipfFlag <= 1 {
		fmt.Println("zipfian skew must be greater than 1")
		os.Exit(1)
	}

	file, err := os.Create(*outFlag)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer file.Close()
	w := bufio.NewWriter(file)
	defer w.Flush()

	rng := rand.New(rand.NewSource(*seedFlag))
	keys := make([]int64, 0, *loadFlag+*opsFlag)
	next := uint64(1)

	for i := 0; i < *loadFlag; i++ {
		k := scramble(next)
		next++
		keys = append(keys, k)
		fmt.Fprintf(w, "insert %d %d\n", k, k%1000+1)
	}

	// pick returns an index into keys, skewed towards low indexes when
	// a zipfian distribution is requested.
	var zipf *rand.Zipf
	if *zipfFlag != 0 {
		zipf = rand.NewZipf(rng, *zipfFlag, 1, uint64(len(keys)-1))
	}
	pick := func() int {
		if zipf != nil {
			return int(zipf.Uint64())
		}
		return rng.Intn(len(keys))
	}

	for i := 0; i < *opsFlag; i++ {
		p := rng.Intn(100)
		switch {
		case p < *readFlag:
			fmt.Fprintf(w, "find %d\n", keys[pick()])
		case p < *readFlag+*insertFlag:
			k := scramble(next)
			next++
			keys = append(keys, k)
			fmt.Fprintf(w, "insert %d %d\n", k, k%1000+1)
		case p < *readFlag+*insertFlag+*updateFlag:
			k := keys[pick()]
			fmt.Fprintf(w, "update %d %d\n", k, rng.Int63n(1000)+1)
		default:
			fmt.Fprintf(w, "delete %d\n", keys[pick()])
		}
	}

	fmt.Printf("wrote %d load + %d mixed operations to %s\n", *loadFlag, *opsFlag, *outFlag)
}
