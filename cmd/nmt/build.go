package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/born-ml/nmt/internal/checkpoint"
	"github.com/born-ml/nmt/internal/config"
	"github.com/born-ml/nmt/internal/data"
	"github.com/born-ml/nmt/internal/device"
	"github.com/born-ml/nmt/internal/model"
	"github.com/born-ml/nmt/internal/nn"
	"github.com/born-ml/nmt/internal/optim"
	"github.com/born-ml/nmt/internal/tokenizer"
	"github.com/born-ml/nmt/internal/train"
)

// errNothingToDo is returned by buildTrainer when the latest checkpoint
// already covers the last epoch.
var errNothingToDo = errors.New("nothing to train")

// vocabulary encodes the corpus and detokenizes model output.
type vocabulary interface {
	data.Encoder
	tokenizer.Detokenizer
	Size() int
	Specials() tokenizer.Specials
}

// tiktokenVocab places the specials after every id the encoding can emit,
// its own special tokens included.
type tiktokenVocab struct {
	*tokenizer.TikToken
	specials tokenizer.Specials
}

func newTikTokenVocab(encoding string) (*tiktokenVocab, error) {
	size, err := tokenizer.EncodingSize(encoding)
	if err != nil {
		return nil, err
	}
	n := int32(size) //nolint:gosec // G115: encodings have < 2^31 ids
	specials := tokenizer.Specials{Pad: n, SOS: n + 1, EOS: n + 2, UNK: -1}
	tok, err := tokenizer.NewTikToken(encoding, specials)
	if err != nil {
		return nil, err
	}
	return &tiktokenVocab{TikToken: tok, specials: specials}, nil
}

func (v *tiktokenVocab) Size() int { return v.VocabSize() + 3 }
func (v *tiktokenVocab) Specials() tokenizer.Specials { return v.specials }

// textCollector is an Encoder that keeps the raw text, for building a
// vocabulary from the training corpus.
type textCollector struct {
	texts []string
}

func (c *textCollector) Encode(text string) ([]int32, error) {
	c.texts = append(c.texts, text)
	return nil, nil
}

type loaders struct {
	train data.Loader
	dev   data.Loader
}

// components are the collaborators shared by the train and eval commands.
type components struct {
	vocab     vocabulary
	model     nn.Seq2Seq
	criterion nn.Criterion
	device    device.Device
	loaders   loaders
}

func buildVocab(cfg *config.Config) (vocabulary, error) {
	switch cfg.Data.Tokenizer {
	case config.TokenizerTikToken:
		return newTikTokenVocab(cfg.Data.Encoding)
	case config.TokenizerBPE:
		return tokenizer.LoadBPE(cfg.Data.Vocab)
	}

	if cfg.Data.Vocab != "" {
		//nolint:gosec // G304: vocabulary path comes from user configuration
		f, err := os.Open(cfg.Data.Vocab)
		switch {
		case err == nil:
			defer func() { _ = f.Close() }()
			return tokenizer.ReadSubwordVocab(f, cfg.Data.Unsplit)
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to open vocabulary: %w", err)
		}
	}

	collector := &textCollector{}
	if _, err := data.ReadParallelFile(cfg.Data.Train, collector); err != nil {
		return nil, fmt.Errorf("building vocabulary: %w", err)
	}
	vocab := tokenizer.BuildSubwordVocab(collector.texts, cfg.Data.Unsplit)
	if cfg.Data.Vocab != "" {
		if err := vocab.Save(cfg.Data.Vocab); err != nil {
			return nil, err
		}
	}
	return vocab, nil
}

func buildLoader(path string, vocab vocabulary, cfg *config.Config) (data.Loader, error) {
	pairs, err := data.ReadParallelFile(path, vocab)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sp := vocab.Specials()
	return data.NewSliceLoader(pairs, data.SliceLoaderConfig{
		BatchSize: cfg.Data.BatchSize,
		MaxLen:    cfg.Data.MaxLen,
		SOS:       sp.SOS,
		EOS:       sp.EOS,
		Pad:       sp.Pad,
	})
}

func buildModel(cfg *config.Config, vocab vocabulary) (nn.Seq2Seq, error) {
	if cfg.Model.Kind == config.ModelEcho {
		return model.NewEcho(vocab.Size()), nil
	}
	sp := vocab.Specials()
	return model.New(model.Config{
		SrcVocab:      vocab.Size(),
		TgtVocab:      vocab.Size(),
		DModel:        cfg.Model.DModel,
		Pad:           sp.Pad,
		SOS:           sp.SOS,
		LengthPenalty: cfg.Model.LengthPenalty,
		Seed:          cfg.Model.Seed,
	})
}

func buildComponents(cfg *config.Config) (*components, error) {
	dev, err := device.Parse(cfg.Device)
	if err != nil {
		return nil, err
	}
	vocab, err := buildVocab(cfg)
	if err != nil {
		return nil, err
	}
	trainLoader, err := buildLoader(cfg.Data.Train, vocab, cfg)
	if err != nil {
		return nil, err
	}
	devLoader, err := buildLoader(cfg.Data.Dev, vocab, cfg)
	if err != nil {
		return nil, err
	}
	m, err := buildModel(cfg, vocab)
	if err != nil {
		return nil, err
	}

	return &components{
		vocab:     vocab,
		model:     m,
		criterion: nn.NewCrossEntropyLoss(int(vocab.Specials().Pad)),
		device:    dev,
		loaders:   loaders{train: trainLoader, dev: devLoader},
	}, nil
}

func buildOptimizer(cfg config.OptimizerConfig, params []*nn.Parameter) optim.Optimizer {
	if cfg.Type == config.OptimizerSGD {
		return optim.NewSGD(params, optim.SGDConfig{LR: cfg.LR, Momentum: cfg.Momentum})
	}
	return optim.NewAdam(params, optim.AdamConfig{
		LR:    cfg.LR,
		Betas: [2]float64{cfg.Beta1, cfg.Beta2},
		Eps:   cfg.Eps,
	})
}

// buildSchedule returns the trainer option for the configured schedule, or
// nil for none.
func buildSchedule(cfg config.SchedulerConfig, opt optim.Optimizer, dModel int) train.Option {
	switch cfg.Type {
	case config.SchedulerStep:
		return train.WithScheduler(optim.NewStepLR(opt, cfg.StepSize, cfg.Gamma))
	case config.SchedulerExponential:
		return train.WithScheduler(optim.NewExponentialLR(opt, cfg.Gamma))
	case config.SchedulerPlateau:
		return train.WithScheduler(optim.NewReduceLROnPlateau(opt, optim.PlateauConfig{
			Factor:    cfg.Factor,
			Patience:  cfg.Patience,
			Threshold: cfg.Threshold,
			MinLR:     cfg.MinLR,
		}))
	case config.SchedulerNoam:
		noam := optim.NewNoam(dModel, cfg.Warmup)
		noam.Scale = cfg.Scale
		return train.WithStepSchedule(noam)
	default:
		return nil
	}
}

// buildTrainer wires a trainer from cfg. With training.resume set, model and
// optimizer state come from the latest checkpoint in the save directory and
// training continues at the epoch after it.
func buildTrainer(cfg *config.Config, logger *log.Logger) (*train.Trainer, loaders, error) {
	comps, err := buildComponents(cfg)
	if err != nil {
		return nil, loaders{}, err
	}
	opt := buildOptimizer(cfg.Optimizer, comps.model.Parameters())

	opts := []train.Option{train.WithDevice(comps.device), train.WithLogger(logger)}
	if schedule := buildSchedule(cfg.Scheduler, opt, cfg.Model.DModel); schedule != nil {
		opts = append(opts, schedule)
	}

	if cfg.Training.Resume {
		path, _, err := checkpoint.Latest(filepath.Clean(cfg.Training.SaveDir))
		switch {
		case errors.Is(err, checkpoint.ErrNotFound) || errors.Is(err, os.ErrNotExist):
			logger.Printf("No checkpoint in %s, starting from epoch %d", cfg.Training.SaveDir, cfg.Training.StartEpoch)
		case err != nil:
			return nil, loaders{}, err
		default:
			rec, err := checkpoint.Load(path)
			if err != nil {
				return nil, loaders{}, err
			}
			if err := comps.model.LoadStateDict(rec.Model); err != nil {
				return nil, loaders{}, fmt.Errorf("%s: %w", path, err)
			}
			if err := opt.LoadStateDict(rec.Optimizer); err != nil {
				return nil, loaders{}, fmt.Errorf("%s: %w", path, err)
			}
			if rec.Epoch >= cfg.Training.NEpochs {
				return nil, loaders{}, errNothingToDo
			}
			cfg.Training.StartEpoch = rec.Epoch + 1
			opts = append(opts, train.WithRunID(rec.RunID), train.WithInitialStep(rec.Step))
			logger.Printf("Resuming from %s at epoch %d", path, cfg.Training.StartEpoch)
		}
	}

	sp := comps.vocab.Specials()
	tc, err := cfg.TrainConfig(sp.SOS, sp.EOS)
	if err != nil {
		return nil, loaders{}, err
	}
	trainer, err := train.New(comps.model, comps.criterion, opt, comps.vocab, tc, opts...)
	if err != nil {
		return nil, loaders{}, err
	}
	return trainer, comps.loaders, nil
}
