package logging

import (
	"io"
	"log"
	"os"
)

func New() *log.Logger {
	return log.New(os.Stdout, "peerprobe ", log.LstdFlags|log.LUTC)
}

// Discard returns a logger that swallows everything. Used by tests and
// as the fallback when a Dependencies struct carries no logger.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
