package sftp

import (
	"io"

	"github.com/sirupsen/logrus"
)

// discardLogger is the default when the embedder wires no logger: a
// full logrus instance writing nowhere, so call sites stay unguarded.
func discardLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
