package main

import (
	"flag"
	"fmt"
	"os"

	"chatd/pkg/store"
)

// inspect dumps raw store keys for debugging. Point it at a store
// directory (the <db>/store folder of a stopped server) and optionally
// narrow the scan with a key prefix.
func main() {
	var path string
	var prefix string
	var values bool
	flag.StringVar(&path, "path", "", "pebble store directory")
	flag.StringVar(&prefix, "prefix", "", "key prefix to scan (default: all)")
	flag.BoolVar(&values, "values", false, "print values as well as keys")
	flag.Parse()
	if path == "" {
		fmt.Fprintln(os.Stderr, "--path required")
		os.Exit(2)
	}

	if err := store.Open(path); err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	it, err := store.DBIter()
	if err != nil {
		fmt.Fprintf(os.Stderr, "iterator: %v\n", err)
		os.Exit(1)
	}
	defer it.Close()

	n := 0
	for ok := it.First(); ok; ok = it.Next() {
		k := string(it.Key())
		if prefix != "" && (len(k) < len(prefix) || k[:len(prefix)] != prefix) {
			continue
		}
		if values {
			fmt.Printf("%s\t%s\n", k, string(it.Value()))
		} else {
			fmt.Println(k)
		}
		n++
	}
	fmt.Fprintf(os.Stderr, "%d keys\n", n)
}
