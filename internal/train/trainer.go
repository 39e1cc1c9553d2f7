// Package train drives the training of a sequence-to-sequence model.
//
// A Trainer runs epochs of teacher-forced minibatch updates. After every
// epoch it measures the dev loss and the train/dev BLEU, steps the
// learning-rate scheduler, writes a checkpoint named after the epoch and its
// dev BLEU, and appends one row to results.txt.
//
// Example:
//
//	trainer, err := train.New(model, criterion, optimizer, vocab, train.Config{
//	    NEpochs:  10,
//	    SaveDir:  "runs/base",
//	    MaxLen:   128,
//	    BeamSize: 4,
//	    SOS:      1,
//	    EOS:      2,
//	}, train.WithScheduler(scheduler))
//	if err != nil {
//	    return err
//	}
//	return trainer.Run(trainLoader, devLoader)
package train

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/born-ml/nmt/internal/checkpoint"
	"github.com/born-ml/nmt/internal/data"
	"github.com/born-ml/nmt/internal/device"
	"github.com/born-ml/nmt/internal/evaluate"
	"github.com/born-ml/nmt/internal/nn"
	"github.com/born-ml/nmt/internal/optim"
	"github.com/born-ml/nmt/internal/results"
	"github.com/born-ml/nmt/internal/tokenizer"
)

// EpochResult summarizes one finished epoch.
type EpochResult struct {
	Epoch      int
	TrainLoss  float64 // Mean training loss over the epoch's batches
	DevLoss    float64
	TrainBLEU  float64
	DevBLEU    float64
	Checkpoint string // Path of the checkpoint written for the epoch
}

// Trainer runs the training loop.
type Trainer struct {
	model     nn.Seq2Seq
	criterion nn.Criterion
	optimizer optim.Optimizer
	detok     tokenizer.Detokenizer
	config    Config

	scheduler    optim.Scheduler
	stepSchedule optim.StepSchedule
	device       device.Device
	logger       *log.Logger
	runID        uuid.UUID
	step         int64

	rng     *rand.Rand
	history []EpochResult
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithScheduler steps scheduler once per epoch. A MetricScheduler receives
// the epoch's dev loss.
func WithScheduler(scheduler optim.Scheduler) Option {
	return func(t *Trainer) {
		t.scheduler = scheduler
	}
}

// WithStepSchedule sets the learning rate from schedule before every
// optimizer update (e.g. Noam warmup).
func WithStepSchedule(schedule optim.StepSchedule) Option {
	return func(t *Trainer) {
		t.stepSchedule = schedule
	}
}

// WithDevice sets the compute device (default: CPU).
func WithDevice(dev device.Device) Option {
	return func(t *Trainer) {
		t.device = dev
	}
}

// WithLogger sets the progress logger (default: stdout with timestamps).
func WithLogger(logger *log.Logger) Option {
	return func(t *Trainer) {
		t.logger = logger
	}
}

// WithRunID sets the id stored in every checkpoint (default: a new random id).
func WithRunID(id uuid.UUID) Option {
	return func(t *Trainer) {
		t.runID = id
	}
}

// WithInitialStep sets the number of optimizer updates already made, for
// runs resumed from a checkpoint.
func WithInitialStep(step int64) Option {
	return func(t *Trainer) {
		t.step = step
	}
}

// New creates a trainer.
func New(model nn.Seq2Seq, criterion nn.Criterion, optimizer optim.Optimizer, detok tokenizer.Detokenizer, config Config, opts ...Option) (*Trainer, error) {
	if model == nil || criterion == nil || optimizer == nil || detok == nil {
		return nil, fmt.Errorf("%w: model, criterion, optimizer and detokenizer are required", ErrInvalidConfig)
	}
	if err := config.normalize(); err != nil {
		return nil, err
	}

	t := &Trainer{
		model:     model,
		criterion: criterion,
		optimizer: optimizer,
		detok:     detok,
		config:    config,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.device == nil {
		t.device = device.NewCPU()
	}
	if t.logger == nil {
		t.logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	if t.runID == uuid.Nil {
		t.runID = uuid.New()
	}
	//nolint:gosec // batch sampling does not need crypto randomness
	t.rng = rand.New(rand.NewSource(config.Seed))
	return t, nil
}

// Config returns the normalized configuration.
func (t *Trainer) Config() Config {
	return t.config
}

// RunID returns the id stored in checkpoints.
func (t *Trainer) RunID() uuid.UUID {
	return t.runID
}

// Step returns the number of optimizer updates made so far.
func (t *Trainer) Step() int64 {
	return t.step
}

// History returns the results of the epochs run so far.
func (t *Trainer) History() []EpochResult {
	return t.history
}

// Run trains from StartEpoch through NEpochs inclusive.
func (t *Trainer) Run(trainLoader, devLoader data.Loader) error {
	if trainLoader == nil || devLoader == nil {
		return errors.New("train: nil loader")
	}
	if err := os.MkdirAll(t.config.SaveDir, 0o755); err != nil {
		return fmt.Errorf("failed to create save directory: %w", err)
	}

	resultsLog, err := results.Open(t.config.SaveDir, t.config.LogMode)
	if err != nil {
		return err
	}
	defer resultsLog.Close()

	t.logger.Printf("Beginning training at %s (run %s, %s)", time.Now().Format(time.DateTime), t.runID, t.device.Describe())
	t.model.Train()
	if t.stepSchedule != nil {
		t.optimizer.SetLR(t.stepSchedule.LR(t.step + 1))
	}

	for epoch := t.config.StartEpoch; epoch <= t.config.NEpochs; epoch++ {
		res, err := t.runEpoch(epoch, trainLoader, devLoader)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		if err := resultsLog.Append(epoch, res.TrainBLEU, res.DevBLEU); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		t.history = append(t.history, res)

		t.logger.Printf("Epoch %d complete.\tTrain loss: %.4f\tDev loss: %.4f\tTrain BLEU: %.4f\tDev BLEU over %s: %.4f",
			epoch, res.TrainLoss, res.DevLoss, res.TrainBLEU, describeDecoded(devLoader, t.config.DecodeBatches), res.DevBLEU)
	}

	t.logger.Printf("Finished training at %s", time.Now().Format(time.DateTime))
	return nil
}

func (t *Trainer) runEpoch(epoch int, trainLoader, devLoader data.Loader) (EpochResult, error) {
	res := EpochResult{Epoch: epoch}

	trainLoss, err := t.trainEpoch(epoch, trainLoader)
	if err != nil {
		return res, err
	}
	res.TrainLoss = trainLoss

	if res.DevLoss, err = evaluate.Loss(t.model, t.criterion, devLoader, t.device); err != nil {
		return res, fmt.Errorf("dev loss: %w", err)
	}
	if res.TrainBLEU, err = evaluate.BLEU(t.model, trainLoader, t.decodeOptions(0)); err != nil {
		return res, fmt.Errorf("train bleu: %w", err)
	}
	if res.DevBLEU, err = evaluate.BLEU(t.model, devLoader, t.decodeOptions(t.config.PrintSeqs)); err != nil {
		return res, fmt.Errorf("dev bleu: %w", err)
	}

	if t.scheduler != nil {
		if ms, ok := t.scheduler.(optim.MetricScheduler); ok {
			ms.StepMetric(res.DevLoss)
		} else {
			t.scheduler.Step()
		}
	}

	res.Checkpoint = t.config.SaveDir + checkpoint.FileName(epoch, res.DevBLEU)
	rec := &checkpoint.Record{
		RunID:     t.runID,
		Epoch:     epoch,
		Step:      t.step,
		TrainBLEU: res.TrainBLEU,
		DevBLEU:   res.DevBLEU,
		DevLoss:   res.DevLoss,
		Model:     t.model.StateDict(),
		Optimizer: t.optimizer.StateDict(),
		CreatedAt: time.Now(),
	}
	if err := checkpoint.Save(res.Checkpoint, rec); err != nil {
		return res, fmt.Errorf("checkpoint: %w", err)
	}
	return res, nil
}

// trainEpoch runs one pass over the training batches and returns the mean
// unscaled loss.
func (t *Trainer) trainEpoch(epoch int, loader data.Loader) (float64, error) {
	t.model.Train()

	// window counts the batches accumulated since the last update.
	window := 0
	total, reportLoss := 0.0, 0.0
	for i, n := 0, loader.Len(); i < n; i++ {
		loss, err := t.trainBatch(loader, i, window)
		if err != nil {
			return 0, fmt.Errorf("batch %d: %w", i+1, err)
		}
		window++
		if window == t.config.AccumulateSteps {
			t.update()
			window = 0
		}

		total += loss
		reportLoss += loss
		if t.config.ReportFreq > 0 && (i+1)%t.config.ReportFreq == 0 {
			t.logger.Printf("Epoch %d\tBatch: %d\tTrain loss: %.4f\tlr: %.6f",
				epoch, i+1, reportLoss/float64(t.config.ReportFreq), t.optimizer.GetLR())
			reportLoss = 0
		}
	}
	// The last window of an epoch may be short; it still makes an update.
	if window > 0 {
		t.update()
	}

	if loader.Len() == 0 {
		return 0, nil
	}
	return total / float64(loader.Len()), nil
}

// trainBatch accumulates the gradients of one batch. window is the number of
// batches already accumulated since the last update.
func (t *Trainer) trainBatch(loader data.Loader, i, window int) (float64, error) {
	batch, release, err := device.Fetch(t.device, loader, i)
	if err != nil {
		return 0, err
	}
	defer release()

	if window == 0 {
		t.optimizer.ZeroGrad()
	}

	loss, logits, err := evaluate.ComputeLoss(t.model, t.criterion, batch)
	if err != nil {
		return 0, err
	}
	defer logits.Release()

	if err := loss.Scale(1 / float64(t.config.AccumulateSteps)).Backward(); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}
	return loss.Item(), nil
}

// update applies the accumulated gradients and sets the learning rate of the
// next update when a step schedule is configured.
func (t *Trainer) update() {
	t.optimizer.Step()
	t.step++
	if t.stepSchedule != nil {
		t.optimizer.SetLR(t.stepSchedule.LR(t.step + 1))
	}
}

func (t *Trainer) decodeOptions(printSeqs int) evaluate.Options {
	return evaluate.Options{
		SOS:           t.config.SOS,
		EOS:           t.config.EOS,
		MaxLen:        t.config.MaxLen,
		BeamSize:      t.config.BeamSize,
		DecodeBatches: t.config.DecodeBatches,
		Rand:          t.rng,
		PrintSeqs:     printSeqs,
		Smoothing:     t.config.Smoothing,
		Detokenizer:   t.detok,
		Device:        t.device,
		Logger:        t.logger,
	}
}

// describeDecoded reports how many dev sequences BLEU was computed over.
func describeDecoded(loader data.Loader, decodeBatches int) string {
	if decodeBatches <= 0 || decodeBatches >= loader.Len() {
		return "all seqs"
	}
	return fmt.Sprintf("%d seqs", decodeBatches*loader.BatchSize())
}
