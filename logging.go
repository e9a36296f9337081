package pglib

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// defaultLogger is used by a Conn constructed without an explicit logger
// and by the default Handler.
var defaultLogger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Prefix:          "pglib",
})
