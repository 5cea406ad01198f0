// Command mapexec is an example map executable building a word index. It is
// invoked by a worker as
//
//	mapexec <num-reducer> <input-path> <output-dir> <limit-size>
//
// and reports every produced intermediate file on stdout as
// "=> <name> <rid> <size>".
package main

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/nopper/pomegranate"
)

func main() {
	if len(os.Args) != 5 {
		fmt.Fprintf(os.Stderr, "usage: %s <num-reducer> <input-path> <output-dir> <limit-size>\n", os.Args[0])
		os.Exit(1)
	}

	numReducer, err := strconv.Atoi(os.Args[1])
	if err != nil || numReducer <= 0 {
		fmt.Fprintln(os.Stderr, "invalid reducer count")
		os.Exit(1)
	}
	inputPath := os.Args[2]
	outputDir := os.Args[3]

	data, err := os.ReadFile(inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read input: %v\n", err)
		os.Exit(1)
	}

	h := fnv.New32a()
	h.Write([]byte(inputPath))
	docID := h.Sum32()

	counts := make(map[string]uint32)
	for _, word := range strings.Fields(string(data)) {
		word = strings.ToLower(strings.Trim(word, ".,;:!?\"'()[]"))
		if word != "" {
			counts[word]++
		}
	}

	// One sorted record file per reducer index.
	byReducer := make([][]string, numReducer)
	for term := range counts {
		rid := pomegranate.ReducerIndex(term, numReducer)
		byReducer[rid] = append(byReducer[rid], term)
	}

	for rid, terms := range byReducer {
		if len(terms) == 0 {
			continue
		}
		sort.Strings(terms)

		fid := rand.Int63()
		name := pomegranate.FileName(outputDir, rid, fid)
		f, err := os.Create(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create output: %v\n", err)
			os.Exit(1)
		}

		w := pomegranate.NewRecordWriter(f)
		for _, term := range terms {
			rec := pomegranate.Record{
				Term:   term,
				Tuples: []pomegranate.Tuple{{DocID: docID, Occurrences: counts[term]}},
			}
			if err := w.Write(rec); err != nil {
				fmt.Fprintf(os.Stderr, "write record: %v\n", err)
				os.Exit(1)
			}
		}
		if err := w.Flush(); err != nil {
			fmt.Fprintf(os.Stderr, "flush output: %v\n", err)
			os.Exit(1)
		}
		f.Close()

		fmt.Printf("=> %s %d %d\n", name, rid, w.BytesWritten())
	}
}
