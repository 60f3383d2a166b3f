// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianAgent/services/chat/message"
)

const (
	fileBackend   = "file"
	fileExtension = ".gob"
	fileVersion   = 1
)

// fileRecord is the on-disk gob payload for one conversation.
type fileRecord struct {
	Version        int
	ConversationID string
	Messages       []message.Record
}

// FileStore keeps each conversation in <baseDir>/<id>.gob.
//
// Writes go to a temp file in the same directory and are renamed into place,
// so readers never observe a half-written blob.
type FileStore struct {
	baseDir string
	opts    Options
	locks   *keyedMutex

	mkdirOnce sync.Once
	mkdirErr  error
}

// NewFileStore creates a file-backed store rooted at baseDir.
//
// The directory is created on first write, not here.
func NewFileStore(baseDir string, opts ...Option) *FileStore {
	return &FileStore{
		baseDir: baseDir,
		opts:    buildOptions(opts),
		locks:   newKeyedMutex(),
	}
}

// BaseDir returns the storage directory.
func (s *FileStore) BaseDir() string { return s.baseDir }

// Append implements Store.
func (s *FileStore) Append(ctx context.Context, conversationID string, msgs ...message.Message) error {
	path, err := s.pathFor(conversationID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	history, err := s.load(path, conversationID)
	if err != nil {
		return err
	}
	history = append(history, msgs...)
	return s.writeFailure("append", conversationID, s.save(path, conversationID, history))
}

// FetchRecent implements Store.
func (s *FileStore) FetchRecent(ctx context.Context, conversationID string, lastN int) ([]message.Message, error) {
	path, err := s.pathFor(conversationID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if lastN <= 0 {
		return []message.Message{}, nil
	}
	history, err := s.load(path, conversationID)
	if err != nil {
		return nil, err
	}
	return tail(history, lastN), nil
}

// Clear implements Store.
func (s *FileStore) Clear(ctx context.Context, conversationID string) error {
	path, err := s.pathFor(conversationID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return s.writeFailure("clear", conversationID, err)
}

func (s *FileStore) pathFor(conversationID string) (string, error) {
	if conversationID == "" || conversationID == "." || conversationID == ".." ||
		strings.ContainsAny(conversationID, `/\`+"\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidConversationID, conversationID)
	}
	return filepath.Join(s.baseDir, conversationID+fileExtension), nil
}

// load reads a conversation. Missing files and undecodable blobs yield an
// empty history; an unknown role is returned as an error.
func (s *FileStore) load(path, conversationID string) ([]message.Message, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []message.Message{}, nil
	}
	if err != nil {
		s.readFailure(conversationID, err)
		return []message.Message{}, nil
	}
	defer f.Close()

	var rec fileRecord
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&rec); err != nil {
		s.readFailure(conversationID, fmt.Errorf("decode %s: %w", path, err))
		return []message.Message{}, nil
	}
	return message.FromRecords(rec.Messages)
}

func (s *FileStore) save(path, conversationID string, history []message.Message) error {
	s.mkdirOnce.Do(func() {
		s.mkdirErr = os.MkdirAll(s.baseDir, 0750)
	})
	if s.mkdirErr != nil {
		return fmt.Errorf("create %s: %w", s.baseDir, s.mkdirErr)
	}

	tmp, err := os.CreateTemp(s.baseDir, "."+conversationID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	rec := fileRecord{
		Version:        fileVersion,
		ConversationID: conversationID,
		Messages:       message.ToRecords(history),
	}
	if err := gob.NewEncoder(w).Encode(&rec); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode conversation: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	committed = true
	return nil
}

func (s *FileStore) readFailure(conversationID string, err error) {
	s.opts.recordFailure(fileBackend, "read")
	s.opts.Logger.Warn("conversation read failed, using empty history",
		slog.String("backend", fileBackend),
		slog.String("conversation_id", conversationID),
		slog.String("error", err.Error()))
}

func (s *FileStore) writeFailure(op, conversationID string, err error) error {
	if err == nil {
		return nil
	}
	s.opts.recordFailure(fileBackend, op)
	s.opts.Logger.Error("conversation write failed",
		slog.String("backend", fileBackend),
		slog.String("op", op),
		slog.String("conversation_id", conversationID),
		slog.String("error", err.Error()))
	if s.opts.Policy == WritePolicyStrict {
		return fmt.Errorf("%w: %s %s: %v", ErrStoreWrite, op, conversationID, err)
	}
	return nil
}
