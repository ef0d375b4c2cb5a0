package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/wbrown/clip_distill"
	"github.com/wbrown/clip_distill/device"
	"github.com/wbrown/clip_distill/reader"
	"github.com/wbrown/clip_distill/tokenizer"
)

type BatchesIterator func() (*clip_distill.Batch, error)

// BatchStats
// Totals over the batches written by WriteBatches.
type BatchStats struct {
	Batches     int
	PileSteps   int
	ClipSlices  int
	ClipBatches int
	Tokens      int
	Bytes       int
}

// WriteBatches
// Consumes up to `steps` batches from nextBatch and serializes them to
// outPath, with uint32 token ids when useUint32 is set and uint16 ones
// otherwise. A nil decoder disables printing batches as they are written.
func WriteBatches(outPath string, nextBatch BatchesIterator, steps int,
	useHalf, useUint32 bool, decoder *tokenizer.Tokenizer) (BatchStats,
	error) {
	var stats BatchStats
	outFile, err := os.OpenFile(outPath, os.O_TRUNC|os.O_RDWR|os.O_CREATE,
		0755)
	if err != nil {
		return stats, err
	}
	defer outFile.Close()

	for steps <= 0 || stats.Batches < steps {
		batch, nextErr := nextBatch()
		if errors.Is(nextErr, io.EOF) && !errors.Is(nextErr,
			reader.ErrExhausted) {
			break
		} else if nextErr != nil {
			return stats, nextErr
		}
		written, writeErr := clip_distill.WriteBatch(outFile, batch, useHalf,
			useUint32)
		if writeErr != nil {
			return stats, writeErr
		}
		stats.Batches++
		stats.Bytes += written
		if batch.UseDistill {
			stats.ClipSlices++
			if !batch.IsAccum {
				stats.ClipBatches++
			}
		} else {
			stats.PileSteps++
		}
		for _, clipIdx := range batch.ClipIdx {
			stats.Tokens += clipIdx + 1
		}
		if decoder != nil {
			println("======================================")
			log.Printf("step %d distill=%v accum=%v [%d:%d]", batch.Step,
				batch.UseDistill, batch.IsAccum, batch.Start, batch.End)
			for _, row := range batch.InputIds {
				println(decoder.Decode(row))
			}
		}
	}
	return stats, nil
}

func main() {
	configPath := flag.String("config", "",
		"yaml file with stream hyperparameters, defaults if empty")
	pileInput := flag.String("pile", "",
		"pile archives, a directory, file or s3://bucket/prefix")
	clipInput := flag.String("clip", "",
		"clip archives with latents in meta, a directory, file or "+
			"s3://bucket/prefix")
	tokenizerId := flag.String("tokenizer", "pile",
		"tokenizer to use [gpt2, pile, huggingface-id]")
	steps := flag.Int("steps", 0,
		"number of batches to produce, overrides the config if positive")
	seed := flag.Int64("seed", 0,
		"seed for truncation offsets and reordering, 0 for time based")
	deviceSpec := flag.String("device", "cpu",
		"device to place tensors on [cpu, cpu:N, N]")
	prefetch := flag.Int("prefetch", 0,
		"number of batches to prepare ahead, 0 to disable")
	sanitizeBool := flag.Bool("sanitize", false,
		"sanitize inputs of whitespace issues")
	reorderPaths := flag.String("reorder", "",
		"reorder input archives to specification [size_ascending, "+
			"size_descending, path_ascending, path_descending, random, "+
			"shuffle, none]")
	outputFile := flag.String("output", "distill.batches",
		"batch output file")
	halfBool := flag.Bool("half", false,
		"write latents as float16")
	uint32Bool := flag.Bool("uint32", true,
		"write token ids as uint32, uint16 if false")
	showBatches := flag.Bool("show_batches", false,
		"show batches as they are written")
	flag.Parse()
	if *pileInput == "" || *clipInput == "" {
		flag.Usage()
		log.Fatal("Must provide -pile and -clip sources")
	}

	cfg := clip_distill.DefaultConfig()
	if *configPath != "" {
		var cfgErr error
		if cfg, cfgErr = clip_distill.LoadConfig(*configPath); cfgErr != nil {
			log.Fatal(cfgErr)
		}
	}
	if *steps > 0 {
		cfg.Steps = *steps
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	log.Printf("Tokenizer definition: %s\n", *tokenizerId)
	log.Printf("Pile source: %s\n", *pileInput)
	log.Printf("CLIP source: %s\n", *clipInput)
	log.Printf("Batch output: %s\n", *outputFile)
	log.Printf("Mixing ratio: %d, macro %d / micro %d, %s steps\n",
		cfg.MixingRatio, cfg.Macro, cfg.Micro,
		humanize.Comma(int64(cfg.Steps)))

	tok, tokErr := tokenizer.New(*tokenizerId)
	if tokErr != nil {
		log.Fatal(tokErr)
	}
	readerOpts := reader.Options{
		Sanitize: *sanitizeBool,
		Reorder:  *reorderPaths,
		Rand:     rng,
	}
	pileReader, pileErr := reader.Open(*pileInput, readerOpts)
	if pileErr != nil {
		log.Fatal(pileErr)
	}
	defer pileReader.Close()
	clipReader, clipErr := reader.Open(*clipInput, readerOpts)
	if clipErr != nil {
		log.Fatal(clipErr)
	}
	defer clipReader.Close()

	dev, devErr := device.Parse(*deviceSpec)
	if devErr != nil {
		log.Fatal(devErr)
	}

	stream, streamErr := clip_distill.NewStream(cfg,
		&reader.TextSource{Records: pileReader},
		&reader.LatentSource{Records: clipReader, Dim: cfg.LatentDim},
		tok,
		clip_distill.WithDevice(dev),
		clip_distill.WithRand(rng))
	if streamErr != nil {
		log.Fatal(streamErr)
	}
	log.Printf("Special token %q is id %d, vocabulary is now %d tokens",
		cfg.SpecialToken, stream.SpecialTokenId(), tok.Len())

	nextBatch := BatchesIterator(stream.Next)
	if *prefetch > 0 {
		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt)
		defer stop()
		prefetcher := clip_distill.Prefetch(ctx, stream, *prefetch,
			stream.Len())
		defer prefetcher.Close()
		nextBatch = prefetcher.Next
	}

	var decoder *tokenizer.Tokenizer
	if *showBatches {
		decoder = tok
	}
	begin := time.Now()
	if !*uint32Bool && tok.Len() > 65536 {
		log.Fatalf("Vocabulary of %d tokens does not fit uint16 ids, "+
			"use -uint32", tok.Len())
	}
	stats, writeErr := WriteBatches(*outputFile, nextBatch, stream.Len(),
		*halfBool, *uint32Bool, decoder)
	duration := time.Since(begin).Seconds()
	log.Printf("%d batches (%d pile, %d clip slices in %d macro-batches), "+
		"%s tokens, %s in %0.2fs, %0.2f tokens/s", stats.Batches,
		stats.PileSteps, stats.ClipSlices, stats.ClipBatches,
		humanize.Comma(int64(stats.Tokens)),
		humanize.Bytes(uint64(stats.Bytes)), duration,
		float64(stats.Tokens)/duration)
	if errors.Is(writeErr, clip_distill.ErrSourceExhausted) {
		log.Printf("Sources exhausted after %d batches", stats.Batches)
	} else if errors.Is(writeErr, context.Canceled) {
		log.Printf("Interrupted after %d batches", stats.Batches)
	} else if writeErr != nil {
		log.Fatal(writeErr)
	}
}
