package runtime

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/drblury/servicekit/internal/runtime/logging"
)

const commandHelp = `Commands:
  help  show this list
  quit  stop the service and exit`

// commandLoop reads commands from the service's standard input until quit,
// end of input or ctx ends.
func (s *Service) commandLoop(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintf(s.stdout, "%s running on %s, type help for commands\n", s.name, s.URL())
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if s.command(strings.TrimSpace(line)) {
				return
			}
		}
	}
}

// command runs one command and reports whether the loop should end.
func (s *Service) command(cmd string) bool {
	switch strings.ToLower(cmd) {
	case "":
		return false
	case "help":
		fmt.Fprintln(s.stdout, commandHelp)
		return false
	case "quit", "exit":
		go func() {
			if err := s.Stop(); err != nil {
				s.log.Warn("Stop from command failed", logging.LogFields{"error": err})
			}
			s.rt.exit(0)
		}()
		return true
	default:
		fmt.Fprintf(s.stdout, "Unknown command %q, type help for commands\n", cmd)
		return false
	}
}
