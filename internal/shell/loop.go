package shell

import (
	"bufio"
	"context"
	"errors"
	"io"

	log "github.com/sirupsen/logrus"
)

// Run reads commands from in until quit, end of input or ctx is done.
// Command failures have already been reported to the operator and do not
// stop the loop.
func (s *Session) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.out.Printf("%s", s.options.Prompt)
		if !scanner.Scan() {
			return scanner.Err()
		}
		err := s.Execute(ctx, scanner.Text())
		switch {
		case errors.Is(err, ErrQuit):
			return nil
		case err != nil:
			log.Debugf("[SHELL] %q : %v", scanner.Text(), err)
		}
	}
}
