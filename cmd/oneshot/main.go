// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// oneshot trains and evaluates a siamese network for one-shot character
// recognition on the Omniglot dataset.
//
// Typical usage:
//
//	oneshot train --data=~/work/omniglot --checkpoint=base
//	oneshot test --data=~/work/omniglot --checkpoint=base
//
// Hyperparameters are set with --set, e.g.
// --set="learning_rate=1e-4;way=5".
package main

import (
	goflag "flag"
	"fmt"
	"os"
	"path"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/oneshot/omniglot"
	"github.com/gomlx/oneshot/siamese"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	flagDataDir    string
	flagCheckpoint string
	flagSettings   string
)

func main() {
	klog.InitFlags(nil)

	rootCmd := &cobra.Command{
		Use:   "oneshot",
		Short: "One-shot Omniglot character recognition with a siamese network",
	}
	rootCmd.PersistentFlags().AddGoFlagSet(goflag.CommandLine)
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data", "~/work/omniglot",
		"Directory to cache downloaded dataset and checkpoints.")
	rootCmd.PersistentFlags().StringVar(&flagCheckpoint, "checkpoint", "",
		"Directory to save and load checkpoints from. If relative, it is taken "+
			"relative to the --data directory.")
	rootCmd.PersistentFlags().StringVar(&flagSettings, "set", "",
		"Set context parameters, a ';'-separated list of '<param>=<value>' "+
			"assignments, e.g. --set=\"learning_rate=1e-4;batch_size=64\".")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "download-data",
			Short: "Download and unpack the Omniglot dataset into --data.",
			RunE: func(_ *cobra.Command, _ []string) error {
				return downloadData()
			},
		},
		&cobra.Command{
			Use:   "train",
			Short: "Train the model, checkpointing to --checkpoint.",
			RunE: func(_ *cobra.Command, _ []string) error {
				if err := downloadData(); err != nil {
					return err
				}
				return trainModel()
			},
		},
		&cobra.Command{
			Use:   "test",
			Short: "Evaluate a trained model with N-way one-shot episodes on the evaluation split.",
			RunE: func(_ *cobra.Command, _ []string) error {
				if err := downloadData(); err != nil {
					return err
				}
				return testModel()
			},
		},
		&cobra.Command{
			Use:   "run",
			Short: "Download the dataset, train and then test, in one go.",
			RunE: func(_ *cobra.Command, _ []string) error {
				if err := downloadData(); err != nil {
					return err
				}
				if err := trainModel(); err != nil {
					return err
				}
				return testModel()
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func downloadData() error {
	return omniglot.Download(data.ReplaceTildeInDir(flagDataDir))
}

func trainModel() error {
	ctx, paramsSet, err := buildContext()
	if err != nil {
		return err
	}
	return siamese.TrainModel(ctx, flagDataDir, flagCheckpoint, paramsSet)
}

func testModel() error {
	if flagCheckpoint == "" {
		return errors.New("flag --checkpoint is required for testing")
	}
	ctx, _, err := buildContext()
	if err != nil {
		return err
	}
	// Same resolution rule as checkpoints.Config.DirFromBase, used when
	// training: a relative path is a subdirectory of --data.
	checkpointDir := data.ReplaceTildeInDir(flagCheckpoint)
	if !path.IsAbs(checkpointDir) {
		checkpointDir = path.Join(data.ReplaceTildeInDir(flagDataDir), checkpointDir)
	}
	way := context.GetParamOr(ctx, siamese.ParamWay, 20)
	accuracy, err := siamese.EvaluateModel(ctx, checkpointDir, flagDataDir)
	if err != nil {
		return err
	}
	fmt.Printf("%d-way one-shot accuracy: %.2f%%\n", way, 100*accuracy)
	return nil
}

// buildContext creates a context with the default hyperparameters, modified
// by the --set flag. It returns the names of the parameters explicitly set.
func buildContext() (ctx *context.Context, paramsSet []string, err error) {
	ctx = siamese.CreateDefaultContext()
	if flagSettings != "" {
		paramsSet, err = commandline.ParseContextSettings(ctx, flagSettings)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "failed to parse --set=%q", flagSettings)
		}
	}
	return
}
