// Command reduceexec is an example reduce executable merging word-index
// intermediate files. It is invoked by a worker as
//
//	reduceexec <output-dir> <reduce-idx> <fid>...
//
// and reports its single output on stdout as "=> <name> <size>".
package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"

	"github.com/nopper/pomegranate"
)

func main() {
	if len(os.Args) < 4 {
		fmt.Fprintf(os.Stderr, "usage: %s <output-dir> <reduce-idx> <fid>...\n", os.Args[0])
		os.Exit(1)
	}

	outputDir := os.Args[1]
	rid, err := strconv.Atoi(os.Args[2])
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid reducer index")
		os.Exit(1)
	}

	var inputs []string
	for _, arg := range os.Args[3:] {
		fid, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid file id %q\n", arg)
			os.Exit(1)
		}
		inputs = append(inputs, pomegranate.FileName(outputDir, rid, fid))
	}

	outFid := rand.Int63()
	outName := pomegranate.FileName(outputDir, rid, outFid)

	size, err := pomegranate.MergeFiles(inputs, outName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "merge: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=> %s %d\n", outName, size)
}
