// -----------------------------------------------------------------------
// Crash Protection - Process-level panic reports
// -----------------------------------------------------------------------

package common

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

var (
	crashMu  sync.RWMutex
	crashDir = "./logs"
)

// InstallCrashHandler sets the directory crash reports are written to and creates it.
// Call at the start of main and pair with a deferred RecoverWithCrashFile.
func InstallCrashHandler(logDir string) {
	crashMu.Lock()
	if logDir != "" {
		crashDir = logDir
	}
	dir := crashDir
	crashMu.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to create crash directory: %v\n", err)
	}
}

// WriteCrashFile writes a report for the panic value and returns the file path,
// or "" when the report could only be written to stderr
func WriteCrashFile(process string, panicVal interface{}, stackTrace string) string {
	crashMu.RLock()
	dir := crashDir
	crashMu.RUnlock()

	now := time.Now()
	crashPath := filepath.Join(dir, fmt.Sprintf("%s-crash-%s.log", process, now.Format("2006-01-02T15-04-05")))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var report bytes.Buffer
	fmt.Fprintf(&report, "=== %s CRASH REPORT ===\n", process)
	fmt.Fprintf(&report, "Time: %s\nVersion: %s\n\n", now.Format(time.RFC3339), GetFullVersion())
	fmt.Fprintf(&report, "=== PANIC ===\n%v\n\n", panicVal)
	fmt.Fprintf(&report, "=== STACK TRACE ===\n%s\n", stackTrace)
	fmt.Fprintf(&report, "=== ALL GOROUTINES ===\n%s\n", allGoroutineStacks())
	fmt.Fprintf(&report, "=== RUNTIME ===\nNumGoroutine: %d\nSafeGo spawned: %d\nAlloc: %d MB\nNumGC: %d\n",
		runtime.NumGoroutine(), GetGoroutineCount(), memStats.Alloc/1024/1024, memStats.NumGC)

	if err := os.WriteFile(crashPath, report.Bytes(), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to write crash file: %v\n%s", err, report.String())
		return ""
	}

	fmt.Fprintf(os.Stderr, "\n!!! FATAL CRASH - Report saved to: %s !!!\nPanic: %v\n", crashPath, panicVal)
	return crashPath
}

// RecoverWithCrashFile recovers a panic in main, writes a crash report and exits.
// Usage: defer common.RecoverWithCrashFile("menulens")
func RecoverWithCrashFile(process string) {
	if r := recover(); r != nil {
		buf := make([]byte, 8192)
		n := runtime.Stack(buf, false)
		WriteCrashFile(process, r, string(buf[:n]))
		os.Exit(1)
	}
}

func allGoroutineStacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) || len(buf) >= 16*1024*1024 {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
}
