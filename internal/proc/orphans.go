package proc

import (
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"voiced/internal/common/fsutil"
)

// ReclaimOrphans kills any service processes left over from a previous run,
// identified by their pid files under the run directory. Logged as a
// remediation action, not an error: a cold start after a crash is expected
// to find stale state.
func ReclaimOrphans(descs []Descriptor, log zerolog.Logger) int {
	reclaimed := 0
	for _, d := range descs {
		pf := d.pidFile()
		if !fsutil.PathExists(pf) {
			continue
		}
		b, err := os.ReadFile(pf)
		if err != nil {
			_ = os.Remove(pf)
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
		if err != nil || pid <= 0 {
			_ = os.Remove(pf)
			continue
		}
		if alive(pid) {
			_ = syscall.Kill(pid, syscall.SIGTERM)
			// short wait, then escalate
			deadline := time.Now().Add(2 * time.Second)
			for alive(pid) && time.Now().Before(deadline) {
				time.Sleep(100 * time.Millisecond)
			}
			if alive(pid) {
				_ = syscall.Kill(pid, syscall.SIGKILL)
			}
			log.Info().Str("service", d.Name).Int("pid", pid).Msg("reclaimed orphaned service process")
			reclaimed++
		}
		_ = os.Remove(pf)
	}
	return reclaimed
}

// alive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything.
func alive(pid int) bool {
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
