package handler

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/psantana5/safeinit/pkg/logging"
	"github.com/psantana5/safeinit/pkg/notify"
)

// InitPhaseWarning is reported when handler initialization runs more than
// once in the same execution environment.
type InitPhaseWarning struct{}

func (InitPhaseWarning) Error() string {
	return "Import hook for the Lambda function executed more than once"
}

// initPhase detects repeated initialization through marker files in a
// directory that survives between init attempts (/tmp on Lambda).
type initPhase struct {
	dir      string
	hash     string
	handler  string
	notify   bool
	notifier notify.Notifier
	logger   *logging.Logger
}

// executionHash identifies this binary running with this environment.
func executionHash(env map[string]string) string {
	exe, _ := os.Executable()
	body, _ := json.Marshal(env)
	sum := md5.Sum(append([]byte(exe), body...))
	return hex.EncodeToString(sum[:])
}

func (p *initPhase) marker(suffix string) string {
	return filepath.Join(p.dir, "safeinit__"+p.hash+"__"+suffix)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (p *initPhase) before(ctx context.Context) {
	log := logging.OrDefault(p.logger)
	fields := map[string]interface{}{"execution_hash": p.hash, "handler": p.handler}

	if exists(p.marker("imported__")) {
		log.Warn("Import hook repeated despite previous successful initialization", fields)
		return
	}
	started := p.marker("")
	if !exists(started) {
		if err := os.WriteFile(started, []byte("OK"), 0o600); err != nil {
			log.Debug("Failed to write init marker", map[string]interface{}{"error": err.Error()})
		}
		return
	}

	log.Warn("Code is executed in the same context as before", fields)
	if p.notify {
		warning := InitPhaseWarning{}
		p.notifier.Notify(ctx, notify.Notification{
			Context: warning.Error(),
			Err:     warning,
			Handler: p.handler,
			Title:   "Possible Lambda init phase timeout",
		})
	}
}

func (p *initPhase) after() {
	done := p.marker("imported__")
	if !exists(done) {
		if err := os.WriteFile(done, []byte("OK"), 0o600); err != nil {
			logging.OrDefault(p.logger).Debug("Failed to write init marker", map[string]interface{}{"error": err.Error()})
		}
	}
}
