package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/wbrown/clip_distill"
	"github.com/wbrown/clip_distill/tokenizer"
)

// BatchSummary
// One line description of a batch.
func BatchSummary(batch *clip_distill.Batch) string {
	kind := "pile"
	if batch.UseDistill {
		kind = "clip"
	}
	cols := 0
	if len(batch.InputIds) > 0 {
		cols = len(batch.InputIds[0])
	}
	tokens := 0
	for _, clipIdx := range batch.ClipIdx {
		tokens += clipIdx + 1
	}
	return fmt.Sprintf("step %d %s rows=%d cols=%d tokens=%d accum=%v "+
		"span=[%d:%d] latents=%d lambda=%0.4f clip_idx=%v", batch.Step, kind,
		len(batch.InputIds), cols, tokens, batch.IsAccum,
		batch.Start, batch.End, len(batch.LatentVecs), batch.Lambda,
		batch.ClipIdx)
}

func main() {
	inputTokenizerId := flag.String("tokenizer", "pile",
		"tokenizer the batches were encoded with [gpt2, pile, huggingface-id]")
	inputFile := flag.String("input", "",
		"batch file written by distill_stream")
	outputFile := flag.String("output", "",
		"output file for the inspection, stdout if empty")
	decodeBool := flag.Bool("decode", false,
		"decode every row back to text")
	specialToken := flag.String("special", "<|CLIP|>",
		"special token the stream appended to captions")
	padToken := flag.String("pad", "[PAD]",
		"pad token the stream padded with")
	limit := flag.Int("limit", 0, "stop after this many batches, 0 for all")
	flag.Parse()

	if *inputFile == "" {
		flag.Usage()
		log.Fatal("Must provide -input")
	}
	// check if input file exists
	if _, err := os.Stat(*inputFile); os.IsNotExist(err) {
		log.Fatal("Input file does not exist")
	}

	var decoder *tokenizer.Tokenizer
	if *decodeBool {
		var tokErr error
		decoder, tokErr = tokenizer.New(*inputTokenizerId)
		if tokErr != nil {
			log.Fatal(tokErr)
		}
		// Same order as the stream, so the added ids line up.
		decoder.AddTokens(*specialToken)
		if err := decoder.SetPadToken(*padToken); err != nil {
			log.Fatal(err)
		}
	}

	inputFileHandle, err := os.Open(*inputFile)
	if err != nil {
		log.Fatal(err)
	}
	defer inputFileHandle.Close()

	out := os.Stdout
	if *outputFile != "" {
		if out, err = os.Create(*outputFile); err != nil {
			log.Fatal(err)
		}
		defer out.Close()
	}
	writer := bufio.NewWriter(out)
	defer writer.Flush()

	in := bufio.NewReaderSize(inputFileHandle, 8*1024*1024)
	count := 0
	for *limit <= 0 || count < *limit {
		batch, readErr := clip_distill.ReadBatch(in)
		if errors.Is(readErr, io.EOF) {
			break
		} else if readErr != nil {
			log.Fatal(readErr)
		}
		count++
		fmt.Fprintln(writer, BatchSummary(batch))
		if decoder != nil {
			for _, row := range batch.InputIds {
				fmt.Fprintf(writer, "\t%q\n", decoder.Decode(row))
			}
		}
	}
	if stat, statErr := inputFileHandle.Stat(); statErr == nil {
		log.Printf("%d batches read from %s (%s)", count, *inputFile,
			humanize.Bytes(uint64(stat.Size())))
	}
}
