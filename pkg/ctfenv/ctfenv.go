// Package ctfenv holds the process-wide CTF settings: the debug trace
// toggle, read once from the environment, and the negotiated format
// version.
package ctfenv

import (
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/go-kit/log"

	"github.com/polarsignals/ctf-open/pkg/ctf"
)

// EnvDebug enables debug tracing when set to any value.
const EnvDebug = "LIBCTF_DEBUG"

var (
	debugOnce sync.Once
	debug     atomic.Bool

	sinkMu sync.RWMutex
	sink   = log.With(log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)), "libctf", "DEBUG")

	version atomic.Int64
)

func init() {
	version.Store(ctf.Version)
}

func initDebug() {
	debugOnce.Do(func() {
		_, ok := os.LookupEnv(EnvDebug)
		debug.Store(ok)
	})
}

// Debug reports whether debug tracing is enabled. The first call reads
// EnvDebug; later calls only read the flag.
func Debug() bool {
	initDebug()
	return debug.Load()
}

// SetDebug enables or disables debug tracing, overriding the environment.
func SetDebug(enabled bool) {
	initDebug()
	debug.Store(enabled)
	Logger().Log("msg", "CTF debugging set", "enabled", enabled)
}

// SetLogger replaces the destination of debug traces.
func SetLogger(l log.Logger) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink = l
}

type debugLogger struct{}

func (debugLogger) Log(keyvals ...interface{}) error {
	if !Debug() {
		return nil
	}
	sinkMu.RLock()
	l := sink
	sinkMu.RUnlock()
	return l.Log(keyvals...)
}

// Logger returns a logger that forwards to the debug trace destination
// while tracing is enabled and drops everything otherwise.
func Logger() log.Logger {
	return debugLogger{}
}

// Version negotiates the CTF version used by clients. Zero queries the
// active version. Only ctf.Version can be selected: negative versions fail
// with EINVAL, any other with ENOTSUP.
func Version(v int) (int, error) {
	if v < 0 {
		return -1, syscall.EINVAL
	}
	if v > 0 {
		if v != ctf.Version {
			return -1, syscall.ENOTSUP
		}
		Logger().Log("msg", "client using CTF version", "version", v)
		version.Store(int64(v))
	}
	return int(version.Load()), nil
}
