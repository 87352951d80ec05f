package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Step is one resource released at shutdown.
type Step struct {
	Name string
	Fn   func() error
}

// Context returns a context cancelled by SIGINT or SIGTERM.
func Context(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Shutdown runs steps in reverse order, logging failures and carrying on.
func Shutdown(steps ...Step) {
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if err := s.Fn(); err != nil {
			log.Warn().Err(err).Str("step", s.Name).Msg("Shutdown step failed")
			continue
		}
		log.Debug().Str("step", s.Name).Msg("Shutdown step complete")
	}
	log.Info().Msg("Shutdown complete")
}

func ShutdownWithError(err error, msg string, steps ...Step) {
	log.Error().Err(err).Msg(msg)
	Shutdown(steps...)
	os.Exit(1)
}
