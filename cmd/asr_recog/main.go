// Command asr_recog greedily decodes a corpus with a
// trained model and writes the recognized token IDs as
// JSON.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/unixpickle/anyspeech"
	"github.com/unixpickle/anyspeech/anyasr"
	"github.com/unixpickle/anyspeech/anybatch"
	"github.com/unixpickle/anyspeech/anyfeed"
	"github.com/unixpickle/anyspeech/anytrain"
	"github.com/unixpickle/essentials"
)

type recogOutput struct {
	Name       string `json:"name"`
	TokenID    string `json:"tokenid,omitempty"`
	RecTokenID string `json:"rec_tokenid"`
}

type recogResult struct {
	Output []recogOutput `json:"output"`
}

func main() {
	var modelPath, recogJSON, archivePath, outPath string
	var batchSize, subsample int
	var seed int64
	flag.StringVar(&modelPath, "model", filepath.Join("exp", anytrain.BestModelName), "trained model file")
	flag.StringVar(&recogJSON, "recog_json", "", "corpus to decode")
	flag.StringVar(&archivePath, "archive", "", "feature archive (synthetic features if empty)")
	flag.StringVar(&outPath, "out", "", "output JSON file (stdout if empty)")
	flag.IntVar(&batchSize, "batch_size", 16, "decoding batch size")
	flag.IntVar(&subsample, "subsampling_factor", 1, "input frame stride")
	flag.Int64Var(&seed, "seed", 1, "seed for synthetic features")
	flag.Parse()

	if recogJSON == "" {
		essentials.Die("Required flag: -recog_json")
	}

	model, err := anyasr.LoadModel(modelPath)
	if err != nil {
		essentials.Die(err)
	}
	corpus, err := anyspeech.LoadCorpus(recogJSON, anyspeech.TaskASR)
	if err != nil {
		essentials.Die(err)
	}
	var loader anyfeed.Loader = anyfeed.SyntheticLoader{Seed: seed}
	if archivePath != "" {
		loader, err = anyfeed.LoadArchive(archivePath)
		if err != nil {
			essentials.Die(err)
		}
	}

	plan, err := anybatch.Make(corpus, anybatch.Options{
		BatchSize: batchSize,
		MaxLenIn:  anyspeech.DefaultConfig().MaxLenIn,
		MaxLenOut: anyspeech.DefaultConfig().MaxLenOut,
		SortKey:   anybatch.SortInput,
	})
	if err != nil {
		essentials.Die(err)
	}
	it := anyfeed.NewSerialIterator(anyfeed.NewDataset(plan, corpus, loader), false, false, nil)
	conv := &anyfeed.Converter{SubsampleFactor: subsample, Devices: anyspeech.NewDeviceSet(0)}

	results := map[string]*recogResult{}
	for {
		raw, err := it.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			essentials.Die(err)
		}
		batch, err := conv.Convert(raw, anyspeech.Host)
		if err != nil {
			essentials.Die(err)
		}
		for i, labels := range model.Recognize(batch) {
			id := batch.IDs[i]
			out := recogOutput{Name: "target1", RecTokenID: joinInts(labels)}
			if u := corpus.Get(id); len(u.Output) > 0 {
				out.TokenID = u.Output[0].TokenID
			}
			results[id] = &recogResult{Output: []recogOutput{out}}
		}
		batch.Release()
		log.Printf("decoded %d/%d utterances", len(results), corpus.Len())
	}

	data, err := json.MarshalIndent(map[string]interface{}{"utts": results}, "", "    ")
	if err != nil {
		essentials.Die(err)
	}
	if outPath == "" {
		os.Stdout.Write(append(data, '\n'))
	} else if err := os.WriteFile(outPath, data, 0644); err != nil {
		essentials.Die(err)
	}
}

func joinInts(x []int) string {
	parts := make([]string, len(x))
	for i, v := range x {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, " ")
}
