// Package logs exposes the three ambient loggers used across this
// module: Info, Warning, Error. Adapted directly from tinode-chat's
// server/logs/logs.go — three *log.Logger over stdout, no third-party
// logging library, because the teacher doesn't reach for one here
// either.
package logs

import (
	"log"
	"os"
)

var (
	Info    *log.Logger
	Warning *log.Logger
	Error   *log.Logger
)

func init() {
	Init(os.Stdout)
}

// Init (re)configures the three loggers to write to w. cmd/brokerd
// calls this with an explicit writer at startup; the package-level
// init above gives every other package a safe default so tests and
// library callers never see a nil logger.
func Init(w *os.File) {
	Info = log.New(w, "I ", log.LstdFlags|log.Lshortfile)
	Warning = log.New(w, "W ", log.LstdFlags|log.Lshortfile)
	Error = log.New(w, "E ", log.LstdFlags|log.Lshortfile)
}
