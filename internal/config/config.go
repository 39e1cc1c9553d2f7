// Package config loads the YAML configuration of the nmt command.
//
// A configuration file mirrors Config:
//
//	data:
//	  train: data/train.tsv
//	  dev: data/dev.tsv
//	  vocab: data/vocab.txt
//	  batch_size: 64
//	model:
//	  d_model: 64
//	optimizer:
//	  type: adam
//	  lr: 0.001
//	scheduler:
//	  type: plateau
//	training:
//	  n_epochs: 20
//	  save_dir: runs/base
//	  beam_size: 4
//
// Fields missing from the file keep the values of Default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/nmt/internal/bleu"
	"github.com/born-ml/nmt/internal/device"
	"github.com/born-ml/nmt/internal/results"
	"github.com/born-ml/nmt/internal/tokenizer"
	"github.com/born-ml/nmt/internal/train"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Tokenizer names.
const (
	TokenizerSubword  = "subword"
	TokenizerTikToken = "tiktoken"
	TokenizerBPE      = "bpe"
)

// Model kinds.
const (
	ModelAligned = "aligned"
	ModelEcho    = "echo"
)

// Optimizer types.
const (
	OptimizerAdam = "adam"
	OptimizerSGD  = "sgd"
)

// Scheduler types.
const (
	SchedulerNone        = "none"
	SchedulerStep        = "step"
	SchedulerExponential = "exponential"
	SchedulerPlateau     = "plateau"
	SchedulerNoam        = "noam"
)

// Config is the complete configuration of a run.
type Config struct {
	Data      DataConfig      `yaml:"data"`
	Model     ModelConfig     `yaml:"model"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Training  TrainingConfig  `yaml:"training"`
	Device    string          `yaml:"device"`
}

// DataConfig locates the corpus and controls batching.
type DataConfig struct {
	Train     string `yaml:"train"`     // Parallel corpus, one "source<TAB>target" pair per line
	Dev       string `yaml:"dev"`       // Held-out corpus in the same format
	Vocab     string `yaml:"vocab"`     // Subword list, built from Train and written here when missing; tokenizer.json for bpe
	Tokenizer string `yaml:"tokenizer"` // "subword", "tiktoken" or "bpe"
	Encoding  string `yaml:"encoding"`  // tiktoken encoding name
	Unsplit   bool   `yaml:"unsplit"`   // Remove "@@ " continuation markers when detokenizing
	BatchSize int    `yaml:"batch_size"`
	MaxLen    int    `yaml:"max_len"` // Padded row width, including SOS/EOS
}

// ModelConfig selects and sizes the model.
type ModelConfig struct {
	Kind          string  `yaml:"kind"` // "aligned" or "echo"
	DModel        int     `yaml:"d_model"`
	LengthPenalty float64 `yaml:"length_penalty"`
	Seed          int64   `yaml:"seed"`
}

// OptimizerConfig selects the optimizer.
type OptimizerConfig struct {
	Type     string  `yaml:"type"`
	LR       float64 `yaml:"lr"`
	Momentum float64 `yaml:"momentum"` // SGD only
	Beta1    float64 `yaml:"beta1"`    // Adam only
	Beta2    float64 `yaml:"beta2"`
	Eps      float64 `yaml:"eps"`
}

// SchedulerConfig selects the learning rate schedule.
type SchedulerConfig struct {
	Type string `yaml:"type"`

	StepSize int     `yaml:"step_size"` // step
	Gamma    float64 `yaml:"gamma"`     // step, exponential

	Factor    float64 `yaml:"factor"` // plateau
	Patience  int     `yaml:"patience"`
	Threshold float64 `yaml:"threshold"`
	MinLR     float64 `yaml:"min_lr"`

	Warmup int     `yaml:"warmup"` // noam
	Scale  float64 `yaml:"scale"`
}

// TrainingConfig holds the options of the training loop.
type TrainingConfig struct {
	StartEpoch      int    `yaml:"start_epoch"`
	NEpochs         int    `yaml:"n_epochs"`
	SaveDir         string `yaml:"save_dir"`
	ReportFreq      int    `yaml:"report_freq"`
	MaxLen          int    `yaml:"max_len"` // Maximum decoded length
	BeamSize        int    `yaml:"beam_size"`
	DecodeBatches   int    `yaml:"decode_batches"`
	AccumulateSteps int    `yaml:"accumulate_steps"`
	Smoothing       int    `yaml:"smoothing"` // BLEU smoothing method 0..4
	PrintSeqs       int    `yaml:"print_seqs"`
	Seed            int64  `yaml:"seed"`
	LogMode         string `yaml:"log_mode"` // "create", "append" or "" (from start_epoch)
	Resume          bool   `yaml:"resume"`   // Continue from the latest checkpoint in save_dir
}

// Default returns the configuration used for fields missing from a file.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Tokenizer: TokenizerSubword,
			Encoding:  "cl100k_base",
			Unsplit:   true,
			BatchSize: 32,
			MaxLen:    128,
		},
		Model: ModelConfig{
			Kind:          ModelAligned,
			DModel:        32,
			LengthPenalty: 1,
			Seed:          1,
		},
		Optimizer: OptimizerConfig{
			Type:  OptimizerAdam,
			LR:    0.001,
			Beta1: 0.9,
			Beta2: 0.999,
			Eps:   1e-8,
		},
		Scheduler: SchedulerConfig{
			Type:     SchedulerNone,
			StepSize: 1,
			Gamma:    0.5,
			Factor:   0.1,
			Patience: 10,
			Warmup:   4000,
			Scale:    1,
		},
		Training: TrainingConfig{
			StartEpoch: 1,
			NEpochs:    10,
			SaveDir:    "./",
			ReportFreq: 100,
			MaxLen:     128,
			BeamSize:   4,
			Smoothing:  int(bleu.Epsilon),
			Seed:       1,
		},
		Device: "cpu",
	}
}

// Load reads a YAML file over Default. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	//nolint:gosec // G304: config path comes from the command line
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML over Default and validates the result.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate checks names and ranges.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	switch c.Data.Tokenizer {
	case TokenizerSubword:
	case TokenizerTikToken:
		_, err := tokenizer.EncodingSize(c.Data.Encoding)
		check(err == nil, "data.encoding %q is not one of %s",
			c.Data.Encoding, strings.Join(tokenizer.Encodings(), ", "))
	case TokenizerBPE:
		check(c.Data.Vocab != "", "data.vocab must name a tokenizer.json for the bpe tokenizer")
	default:
		check(false, "data.tokenizer %q is not one of subword, tiktoken, bpe", c.Data.Tokenizer)
	}
	check(c.Data.BatchSize > 0, "data.batch_size must be > 0, got %d", c.Data.BatchSize)
	check(c.Data.MaxLen >= 0, "data.max_len must be >= 0, got %d", c.Data.MaxLen)

	check(c.Model.Kind == ModelAligned || c.Model.Kind == ModelEcho,
		"model.kind %q is not one of aligned, echo", c.Model.Kind)
	check(c.Model.DModel > 0, "model.d_model must be > 0, got %d", c.Model.DModel)

	check(c.Optimizer.Type == OptimizerAdam || c.Optimizer.Type == OptimizerSGD,
		"optimizer.type %q is not one of adam, sgd", c.Optimizer.Type)
	check(c.Optimizer.LR > 0, "optimizer.lr must be > 0, got %g", c.Optimizer.LR)
	check(c.Optimizer.Momentum >= 0 && c.Optimizer.Momentum < 1,
		"optimizer.momentum must be in [0, 1), got %g", c.Optimizer.Momentum)

	switch c.Scheduler.Type {
	case SchedulerNone, SchedulerPlateau:
	case SchedulerStep:
		check(c.Scheduler.StepSize > 0, "scheduler.step_size must be > 0, got %d", c.Scheduler.StepSize)
	case SchedulerExponential:
		check(c.Scheduler.Gamma > 0, "scheduler.gamma must be > 0, got %g", c.Scheduler.Gamma)
	case SchedulerNoam:
		check(c.Scheduler.Warmup > 0, "scheduler.warmup must be > 0, got %d", c.Scheduler.Warmup)
	default:
		problems = append(problems, fmt.Sprintf("scheduler.type %q is not one of none, step, exponential, plateau, noam", c.Scheduler.Type))
	}

	t := c.Training
	check(t.StartEpoch >= 1, "training.start_epoch must be >= 1, got %d", t.StartEpoch)
	check(t.MaxLen > 0, "training.max_len must be > 0, got %d", t.MaxLen)
	check(t.BeamSize > 0, "training.beam_size must be > 0, got %d", t.BeamSize)
	check(t.ReportFreq >= 0, "training.report_freq must be >= 0, got %d", t.ReportFreq)
	check(t.AccumulateSteps >= 0, "training.accumulate_steps must be >= 0, got %d", t.AccumulateSteps)
	check(t.Smoothing >= int(bleu.NoSmoothing) && t.Smoothing <= int(bleu.LengthScaled),
		"training.smoothing must be in [0, 4], got %d", t.Smoothing)
	if _, err := results.ParseMode(t.LogMode); err != nil {
		problems = append(problems, "training.log_mode: "+err.Error())
	}

	if _, err := device.Parse(c.Device); err != nil {
		problems = append(problems, "device: "+err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// TrainConfig converts the training section for train.New. sos and eos are
// the vocabulary's start and end ids.
func (c *Config) TrainConfig(sos, eos int32) (train.Config, error) {
	mode, err := results.ParseMode(c.Training.LogMode)
	if err != nil {
		return train.Config{}, err
	}
	t := c.Training
	return train.Config{
		StartEpoch:      t.StartEpoch,
		NEpochs:         t.NEpochs,
		SaveDir:         t.SaveDir,
		ReportFreq:      t.ReportFreq,
		MaxLen:          t.MaxLen,
		BeamSize:        t.BeamSize,
		SOS:             sos,
		EOS:             eos,
		DecodeBatches:   t.DecodeBatches,
		AccumulateSteps: t.AccumulateSteps,
		Smoothing:       bleu.Smoothing(t.Smoothing),
		PrintSeqs:       t.PrintSeqs,
		Seed:            t.Seed,
		LogMode:         mode,
	}, nil
}
