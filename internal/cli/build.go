package cli

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/samber/lo"

	"instructune/internal/config"
	"instructune/internal/dataset"
	"instructune/internal/generate"
	"instructune/internal/lora"
	"instructune/internal/model"
	"instructune/internal/quant"
)

func quantConfig(c config.Config) quant.Config {
	q := c.Quantization
	return quant.Config{
		QuantType:    q.QuantType,
		BlockSize:    q.BlockSize,
		DoubleQuant:  q.UseDoubleQuant != nil && *q.UseDoubleQuant,
		ComputeDType: q.ComputeDType,
	}
}

// baseLoadOptions describes how the frozen base is materialized for
// training and for serving adapters.
func baseLoadOptions(c config.Config) model.LoadOptions {
	return model.LoadOptions{
		LoadIn4Bit: c.Quantization.LoadIn4Bit == nil || *c.Quantization.LoadIn4Bit,
		Quant:      quantConfig(c),
	}
}

func loraConfig(c config.Config) lora.Config {
	l := c.Lora
	return lora.Config{
		R:             l.R,
		Alpha:         l.Alpha,
		Dropout:       lo.FromPtr(l.Dropout),
		TargetModules: l.TargetModules,
		Bias:          l.Bias,
		BaseModel:     c.Model.Name,
	}
}

func modelConfig(c config.Config, vocab int) model.Config {
	m := c.Model
	return model.Config{
		VocabSize: vocab,
		NLayer:    m.NLayer,
		NEmbd:     m.NEmbd,
		NHead:     m.NHead,
		BlockSize: m.BlockSize,
	}
}

func generationParams(c config.Config) generate.Params {
	g := c.Generation
	return generate.Params{
		MaxNewTokens: g.MaxNewTokens,
		Temperature:  g.Temperature,
		TopP:         g.TopP,
		TopK:         g.TopK,
		Seed:         g.Seed,
	}
}

func datasetSource(c config.Config) dataset.Source {
	d := c.Dataset
	return dataset.Source{Name: d.Name, File: d.File, BaseURL: d.BaseURL, Path: d.Path}
}

// splitRecords is the dataset as the pipeline sees it: fetched, shuffled,
// limited and split into train and held-out parts.
type splitRecords struct {
	Path  string
	All   []dataset.Record
	Train []dataset.Record
	Test  []dataset.Record
}

func loadRecords(ctx context.Context, c config.Config) (splitRecords, error) {
	path, err := dataset.Fetch(ctx, datasetSource(c), c.Dataset.CacheDir)
	if err != nil {
		return splitRecords{}, fmt.Errorf("fetch dataset: %w", err)
	}
	recs, err := dataset.LoadJSONL(path)
	if err != nil {
		return splitRecords{}, err
	}
	if len(recs) == 0 {
		return splitRecords{}, fmt.Errorf("dataset %s has no records", path)
	}
	recs = dataset.Limit(dataset.Shuffle(recs, lo.FromPtr(c.Dataset.ShuffleSeed)), c.Dataset.Limit)
	train, test := dataset.Split(recs, c.Dataset.TestSplit)
	return splitRecords{Path: path, All: recs, Train: train, Test: test}, nil
}

// heldOut picks the record used for the post-training sample: a test record
// when the split kept one, otherwise any record.
func (s splitRecords) heldOut(seed int64) (dataset.Record, bool) {
	pool := s.Test
	if len(pool) == 0 {
		pool = s.All
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return dataset.Pick(pool, rand.New(rand.NewSource(seed)))
}
