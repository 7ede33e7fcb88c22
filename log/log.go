// Package log configures the process-wide structured logger used by every
// Cloudillo subsystem. It follows the teacher's stream-separation pattern:
// error-level records go to stderr so operators can pipe them to alerting
// independently of the info/debug stream on stdout.
package log

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// streamSplitter routes logrus output to stdout or stderr by inspecting the
// formatted level field, so the choice of formatter (text or JSON) doesn't
// need to be duplicated here.
type streamSplitter struct{}

func (streamSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// base is the root logger every subsystem entry derives from.
var base = logrus.New()

func init() {
	base.SetOutput(streamSplitter{})
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetJSON switches the root logger to JSON output, used in production
// deployments behind log aggregators.
func SetJSON() { base.SetFormatter(&logrus.JSONFormatter{}) }

// SetLevel parses and applies a logrus level name (debug, info, warn, error).
func SetLevel(level string) error {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	base.SetLevel(l)
	return nil
}

// For returns a subsystem-scoped logger entry, e.g. log.For("scheduler").
func For(subsystem string) *logrus.Entry {
	return base.WithField("subsystem", subsystem)
}

// WithTenant attaches the owning tenant to a subsystem entry; nearly every
// log line in the core is scoped to one tenant's view of the world.
func WithTenant(entry *logrus.Entry, tnID int64) *logrus.Entry {
	return entry.WithField("tn_id", tnID)
}
