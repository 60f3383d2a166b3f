// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAgent/pkg/logging"
	chat "github.com/AleutianAI/AleutianAgent/services/chat"
	"github.com/AleutianAI/AleutianAgent/services/chat/config"
)

// serviceFactory builds the chat service. Tests swap it to inject a model.
type serviceFactory func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*chat.Service, error)

func defaultServiceFactory(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*chat.Service, error) {
	return chat.New(ctx, cfg, chat.WithLogger(logger))
}

// app holds state shared by every subcommand once the root pre-run has
// loaded the config.
type app struct {
	configPath string
	logLevel   string

	cfg        *config.Config
	logger     *logging.Logger
	newService serviceFactory
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(defaultServiceFactory)
}

func newRootCmdWith(factory serviceFactory) *cobra.Command {
	a := &app{newService: factory}

	rootCmd := &cobra.Command{
		Use:   "chatd",
		Short: "A moderated, memory-backed chat service for local LLMs",
		Long: `chatd runs a chat pipeline in front of an Ollama or OpenAI model.
Every call passes through prohibited-term moderation and conversation
memory before and after the model is invoked.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.aleutian/chat.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		a.serveCmd(),
		a.askCmd(),
		a.historyCmd(),
		a.forgetCmd(),
		a.initCmd(),
	)
	return rootCmd
}

// load reads the config and builds the logger. init skips it so that it can
// write a config that does not exist yet.
func (a *app) load(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "init" {
		return nil
	}

	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.Load(a.configPath)
	} else {
		path, perr := config.DefaultPath()
		if perr != nil {
			return perr
		}
		var created bool
		cfg, created, err = config.LoadOrCreate(path)
		if created {
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote default config to %s\n", path)
		}
	}
	if err != nil {
		return err
	}

	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	lcfg, err := cfg.Logging.LoggerConfig("chatd")
	if err != nil {
		return err
	}
	lcfg.Output = cmd.ErrOrStderr()
	logger, err := logging.New(lcfg)
	if err != nil {
		// The console sink still works without the file sink.
		logger.Slog().Warn("log file unavailable", slog.String("error", err.Error()))
	}
	slog.SetDefault(logger.Slog())

	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) service(ctx context.Context) (*chat.Service, error) {
	return a.newService(ctx, a.cfg, a.logger.Slog())
}
