package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/MrWong99/wakeword/pkg/catalog"
	"github.com/MrWong99/wakeword/pkg/frontend"
	"github.com/MrWong99/wakeword/pkg/inference/logistic"
)

type modelInitOptions struct {
	dir       string
	wakeWord  string
	author    string
	website   string
	languages []string
	window    int
	cutoff    float64
	bias      float64
	force     bool
}

func newModelCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage model files",
	}

	opts := &modelInitOptions{}
	initCmd := &cobra.Command{
		Use:   "init <id>",
		Short: "Write an untrained logistic model and its manifest",
		Long: `Write <id>.bin, a logistic model with zero weights, and <id>.json, its
catalog manifest. The model scores every input sigmoid(bias); use it to
exercise a deployment end to end before a trained model is available.

Examples:
  wakeword model init hey_test --wake-word "Hey Test"
  wakeword model init always_on --wake-word "Always On" --bias 6 --cutoff 0.5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelInit(cmd, root, opts, args[0])
		},
	}
	f := initCmd.Flags()
	f.StringVar(&opts.dir, "dir", "", "output directory; defaults to catalog.dir")
	f.StringVar(&opts.wakeWord, "wake-word", "", "spoken phrase (required)")
	f.StringVar(&opts.author, "author", "wakeword", "manifest author")
	f.StringVar(&opts.website, "website", "https://github.com/MrWong99/wakeword", "manifest website")
	f.StringSliceVar(&opts.languages, "language", []string{"en"}, "trained language (repeatable)")
	f.IntVar(&opts.window, "window", 3, "feature frames per inference (micro.sliding_window_size)")
	f.Float64Var(&opts.cutoff, "cutoff", 0.9, "detection threshold (micro.probability_cutoff)")
	f.Float64Var(&opts.bias, "bias", -4, "model bias; every input scores sigmoid(bias)")
	f.BoolVar(&opts.force, "force", false, "overwrite existing files")
	_ = initCmd.MarkFlagRequired("wake-word")

	cmd.AddCommand(initCmd)
	return cmd
}

func runModelInit(cmd *cobra.Command, root *rootOptions, opts *modelInitOptions, id string) error {
	dir := opts.dir
	if dir == "" {
		cfg, err := root.loadConfig(cmd)
		if err != nil {
			return err
		}
		dir = cfg.Catalog.Dir
	}

	desc := catalog.Descriptor{
		ID:               id,
		Type:             catalog.ModelTypeMicro,
		WakeWord:         opts.wakeWord,
		Author:           opts.author,
		Website:          opts.website,
		Model:            id + ".bin",
		TrainedLanguages: opts.languages,
		Version:          1,
		Micro: catalog.Micro{
			ProbabilityCutoff: opts.cutoff,
			SlidingWindowSize: opts.window,
			FeatureStepSize:   frontend.DefaultConfig().WindowStepMs,
		},
	}
	manifest, err := desc.MarshalManifest()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	model, err := logistic.Marshal(logistic.NewFile(opts.window, frontend.DefaultConfig().Filterbank.NumChannels, opts.bias))
	if err != nil {
		return err
	}

	files := []struct {
		path string
		data []byte
	}{
		{filepath.Join(dir, desc.Model), model},
		{filepath.Join(dir, id+".json"), manifest},
	}
	if !opts.force {
		for _, file := range files {
			if _, err := root.fs.Stat(file.path); err == nil {
				return fmt.Errorf("%s already exists; pass --force to overwrite", file.path)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	}
	if err := root.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for _, file := range files {
		if err := afero.WriteFile(root.fs, file.path, file.data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", file.path, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "wrote", file.path)
	}
	return nil
}
