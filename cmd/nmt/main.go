// Package main provides the nmt command: train a sequence-to-sequence model
// with per-epoch checkpoints and BLEU reports, or score a checkpoint.
//
// Usage:
//
//	nmt train -config run.yaml [-epochs N] [-save-dir DIR] [-resume]
//	nmt eval  -config run.yaml [-checkpoint FILE]
//	nmt version
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/born-ml/nmt/internal/checkpoint"
	"github.com/born-ml/nmt/internal/config"
	"github.com/born-ml/nmt/internal/evaluate"
)

const version = "v0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("nmt %s\n", version)
		return
	case "train":
		err = trainCommand(os.Args[2:])
	case "eval":
		err = evalCommand(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Println("nmt - sequence-to-sequence training with BLEU evaluation")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  train      Train a model, checkpointing every epoch")
	fmt.Println("  eval       Report dev loss and BLEU of a checkpoint")
	fmt.Println("  version    Show version")
}

// loadConfig parses the flags shared by every command.
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	path := fs.String("config", "", "Path to the YAML config file (defaults are used when empty)")
	dev := fs.String("device", "", "Compute device (overrides the config file)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			return nil, err
		}
	}
	if *dev != "" {
		cfg.Device = *dev
	}
	return cfg, nil
}

func trainCommand(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	epochs := fs.Int("epochs", 0, "Last epoch to train (overrides training.n_epochs)")
	saveDir := fs.String("save-dir", "", "Checkpoint and results directory (overrides training.save_dir)")
	resume := fs.Bool("resume", false, "Continue from the latest checkpoint in the save directory")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *epochs > 0 {
		cfg.Training.NEpochs = *epochs
	}
	if *saveDir != "" {
		cfg.Training.SaveDir = *saveDir
	}
	if *resume {
		cfg.Training.Resume = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)
	trainer, loaders, err := buildTrainer(cfg, logger)
	if errors.Is(err, errNothingToDo) {
		logger.Printf("All %d epochs already trained in %s", cfg.Training.NEpochs, cfg.Training.SaveDir)
		return nil
	}
	if err != nil {
		return err
	}
	return trainer.Run(loaders.train, loaders.dev)
}

func evalCommand(args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	ckpt := fs.String("checkpoint", "", "Checkpoint file (default: latest in training.save_dir)")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	path := *ckpt
	if path == "" {
		if path, _, err = checkpoint.Latest(filepath.Clean(cfg.Training.SaveDir)); err != nil {
			return err
		}
	}
	rec, err := checkpoint.Load(path)
	if err != nil {
		return err
	}

	comps, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	if err := comps.model.LoadStateDict(rec.Model); err != nil {
		return fmt.Errorf("checkpoint %s: %w", path, err)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)
	tc, err := cfg.TrainConfig(comps.vocab.Specials().SOS, comps.vocab.Specials().EOS)
	if err != nil {
		return err
	}
	opts := evaluate.Options{
		SOS:           tc.SOS,
		EOS:           tc.EOS,
		MaxLen:        tc.MaxLen,
		BeamSize:      tc.BeamSize,
		DecodeBatches: tc.DecodeBatches,
		Seed:          tc.Seed,
		PrintSeqs:     tc.PrintSeqs,
		Smoothing:     tc.Smoothing,
		Detokenizer:   comps.vocab,
		Device:        comps.device,
		Logger:        logger,
	}

	devLoss, err := evaluate.Loss(comps.model, comps.criterion, comps.loaders.dev, comps.device)
	if err != nil {
		return err
	}
	score, err := evaluate.BLEU(comps.model, comps.loaders.dev, opts)
	if err != nil {
		return err
	}
	logger.Printf("%s (epoch %d, run %s)\tDev loss: %.4f\tDev BLEU: %.4f", filepath.Base(path), rec.Epoch, rec.RunID, devLoss, score)
	return nil
}
