// Command segstore-inspect is a thin diagnostic wrapper over a segment
// set directory: list segment ordinals, run a point lookup, or dump a
// range scan. It is not a façade — no memtable, no WAL, no flushes; the
// only write it can make is the optional -compact pass.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/datnguyenzzz/segstore/internal/segset"
	"go.uber.org/zap"
)

func main() {
	dir := flag.String("dir", "", "segment set directory")
	key := flag.String("get", "", "look up this key")
	from := flag.String("from", "", "range scan lower bound (inclusive); empty means unbounded")
	to := flag.String("to", "", "range scan upper bound (exclusive); empty means unbounded")
	scan := flag.Bool("scan", false, "dump a range scan over [from, to)")
	compact := flag.Bool("compact", false, "compact the segment set before inspecting")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "segstore-inspect: -dir is required")
		os.Exit(2)
	}

	ss, err := segset.Load(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load: %v\n", err)
		os.Exit(1)
	}
	defer ss.Close()

	if *compact {
		if err := ss.Compact(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "compact: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("segments (freshest first): %v\n", ss.Ordinals())

	if *key != "" {
		e, err := ss.FindEntry([]byte(*key))
		if err != nil {
			fmt.Fprintf(os.Stderr, "find entry: %v\n", err)
			os.Exit(1)
		}
		switch {
		case e == nil:
			fmt.Printf("%q: not found\n", *key)
		case e.IsTombstone():
			fmt.Printf("%q: tombstone\n", *key)
		default:
			fmt.Printf("%q: %q\n", *key, e.Value)
		}
	}

	if *scan {
		var fromKey, toKey []byte
		if *from != "" {
			fromKey = []byte(*from)
		}
		if *to != "" {
			toKey = []byte(*to)
		}
		it, err := ss.RangeScan(fromKey, toKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "range scan: %v\n", err)
			os.Exit(1)
		}
		for {
			e, ok, err := it.Next()
			if err != nil {
				fmt.Fprintf(os.Stderr, "range scan: %v\n", err)
				os.Exit(1)
			}
			if !ok {
				break
			}
			fmt.Printf("%q -> %q\n", e.Key, e.Value)
		}
	}
}
