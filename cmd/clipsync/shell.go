package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/manpreetbhatti/clipsync/internal/clipboard"
	"github.com/manpreetbhatti/clipsync/internal/transport"
)

// shell is the line-oriented front end of a Board.
type shell struct {
	in    io.Reader
	board *clipboard.Board
	copy  func(string) error
	open  func(ctx context.Context, b *clipboard.Board, address string) error

	mu  sync.Mutex
	out io.Writer
}

func newShell(in io.Reader, out io.Writer) *shell {
	return &shell{
		in:  in,
		out: out,
		open: func(ctx context.Context, b *clipboard.Board, address string) error {
			return b.Open(ctx, address)
		},
	}
}

func (s *shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *shell) remoteChange(text string, from transport.PeerID) {
	s.printf("[%s] %s\n", shortPeer(from), text)
}

func (s *shell) peersChanged(peers []transport.PeerID) {
	s.printf("status: %s\n", clipboard.PeerStatus(len(peers)))
}

func shortPeer(id transport.PeerID) string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

func (s *shell) printLink() {
	address := s.board.Address()
	s.printf("room %s\nshare: %s\n", s.board.RoomID(), address)
	if qr, err := renderQR(address); err == nil {
		s.printf("%s", qr)
	}
	s.printf("status: %s\n", s.board.Status())
}

func (s *shell) run(ctx context.Context, address string) error {
	if err := s.open(ctx, s.board, address); err != nil {
		return err
	}
	defer s.board.Close()
	s.printLink()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := s.handle(ctx, line, lines)
			if err != nil {
				return err
			}
			if quit {
				return nil
			}
		}
	}
}

func (s *shell) copyToClipboard(text, done string) {
	if s.copy == nil {
		s.printf("clipboard not available\n")
		return
	}
	if err := s.copy(text); err != nil {
		s.printf("copy failed: %v\n", err)
		return
	}
	s.printf("%s\n", done)
}

// handle runs one input line. Lines that are not commands replace the text.
func (s *shell) handle(ctx context.Context, line string, lines <-chan string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		s.board.Edit(line)
		return false, nil
	}

	switch strings.TrimSpace(line) {
	case "/quit":
		return true, nil

	case "/peers":
		peers := s.board.Peers()
		if len(peers) == 0 {
			s.printf("no peers\n")
		}
		for _, p := range peers {
			s.printf("  %s\n", p)
		}

	case "/url":
		s.printLink()

	case "/copy":
		s.copyToClipboard(s.board.Text(), "copied")

	case "/link":
		s.copyToClipboard(s.board.Address(), "link copied")

	case "/new":
		s.printf("leave room %s and start a new one? [y/N] ", s.board.RoomID())
		var answer string
		select {
		case <-ctx.Done():
			return true, nil
		case a, ok := <-lines:
			if !ok {
				return true, nil
			}
			answer = a
		}
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			s.printf("staying in room %s\n", s.board.RoomID())
			break
		}
		address, err := s.board.Regenerate()
		if err != nil {
			return false, err
		}
		if err := s.open(ctx, s.board, address); err != nil {
			return false, err
		}
		s.printLink()

	default:
		s.printf("unknown command %s\n", line)
	}
	return false, nil
}
