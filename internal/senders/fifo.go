//go:build linux || darwin

package senders

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/netham45/screamrouter/internal/commons"
)

// RuntimeDir resolves the directory FIFO senders create their named pipes
// in: $XDG_RUNTIME_DIR/screamrouter, falling back to /run/user/<uid>/screamrouter.
func RuntimeDir() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "screamrouter")
	}
	return filepath.Join("/run/user", strconv.Itoa(os.Getuid()), "screamrouter")
}

// FIFOSender writes payloads to a named FIFO, dropping on backpressure.
type FIFOSender struct {
	log  commons.Logger
	name string
	path string

	f *os.File
}

// NewFIFOSender constructs a sender for a FIFO named name, under RuntimeDir().
func NewFIFOSender(log commons.Logger, name string) *FIFOSender {
	return &FIFOSender{log: log, name: name, path: filepath.Join(RuntimeDir(), name)}
}

func (s *FIFOSender) Setup(_ context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0770); err != nil {
		return fmt.Errorf("fifo sender: mkdir %s: %w", dir, err)
	}
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		if err := syscall.Mkfifo(s.path, 0660); err != nil {
			return fmt.Errorf("fifo sender: mkfifo %s: %w", s.path, err)
		}
	}
	if s.f != nil {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|syscall.O_NONBLOCK, 0660)
	if err != nil {
		return fmt.Errorf("fifo sender: open %s: %w", s.path, err)
	}
	s.f = f
	return nil
}

func (s *FIFOSender) SendPayload(payload []byte, _ []uint32) error {
	if s.f == nil {
		return fmt.Errorf("fifo sender: not set up")
	}
	_, err := s.f.Write(payload)
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EPIPE) {
			return nil
		}
		s.log.Warnw("fifo sender: write failed, dropping", "path", s.path, "error", err)
		return nil
	}
	return nil
}

func (s *FIFOSender) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
