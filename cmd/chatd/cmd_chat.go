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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAgent/services/chat/advisor"
	"github.com/AleutianAI/AleutianAgent/services/chat/config"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP chat service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.Run(ctx)
		},
	}
}

func (a *app) askCmd() *cobra.Command {
	var (
		conversationID string
		system         string
		stream         bool
	)
	cmd := &cobra.Command{
		Use:   "ask [message...]",
		Short: "Send one message through the pipeline and print the reply",
		Long: `Send one message through the pipeline and print the reply.
Without arguments the message is read from piped stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := askText(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			if system == "" {
				system = a.cfg.Server.SystemPrompt
			}
			req := &advisor.Request{
				ConversationID: conversationID,
				SystemText:     system,
				UserText:       text,
			}
			out := cmd.OutOrStdout()

			if !stream {
				resp, err := svc.Chain().Call(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, resp.Text())
				return nil
			}

			s, err := svc.Chain().Stream(cmd.Context(), req)
			if err != nil {
				return err
			}
			defer s.Close()

			var raw strings.Builder
			for {
				frag, err := s.Recv()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return err
				}
				raw.WriteString(frag.Text)
				fmt.Fprint(out, frag.Text)
			}
			fmt.Fprintln(out)

			resp, err := s.Final()
			if err != nil {
				return err
			}
			if resp.Text() != raw.String() {
				fmt.Fprintf(out, "[moderated] %s\n", resp.Text())
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "conversation id (default from config)")
	cmd.Flags().StringVar(&system, "system", "", "system prompt for this call")
	cmd.Flags().BoolVar(&stream, "stream", false, "print fragments as they arrive")
	return cmd
}

// askText joins args, or reads in when there are none and in is not a
// terminal.
func askText(in io.Reader, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if f, ok := in.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return "", errors.New("no message: pass it as arguments or pipe it on stdin")
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("no message: stdin was empty")
	}
	return text, nil
}

func (a *app) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "Print the most recent messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			msgs, err := svc.Store().FetchRecent(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", m.Role(), m.Text())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of messages")
	return cmd
}

func (a *app) forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget [conversation-id]",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Store().Clear(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forgot conversation %s\n", args[0])
			return nil
		},
	}
}

func (a *app) initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if path == "" {
				p, err := config.DefaultPath()
				if err != nil {
					return err
				}
				path = p
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
