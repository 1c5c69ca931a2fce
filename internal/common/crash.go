package common

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// CrashLogDir is where crash reports are written; set by InstallCrashHandler
var CrashLogDir = "./logs"

// InstallCrashHandler sets the crash report directory. Pair it with a deferred
// RecoverWithCrashFile at the top of main.
func InstallCrashHandler(logDir string) {
	if logDir != "" {
		CrashLogDir = logDir
	}
	if err := os.MkdirAll(CrashLogDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to create log directory: %v\n", err)
	}
}

// WriteCrashFile writes a crash report with every goroutine's stack and returns its path.
// When the file cannot be written the report goes to stderr and the path is empty.
func WriteCrashFile(panicVal interface{}, stackTrace string) string {
	now := time.Now()
	crashPath := filepath.Join(CrashLogDir, fmt.Sprintf("juris-crash-%s.log", now.Format("2006-01-02T15-04-05")))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var report bytes.Buffer
	fmt.Fprintf(&report, "=== JURIS CRASH REPORT ===\n")
	fmt.Fprintf(&report, "Time: %s\nVersion: %s\n\n", now.Format(time.RFC3339), GetFullVersion())
	fmt.Fprintf(&report, "=== PANIC ===\n%v\n\n", panicVal)
	fmt.Fprintf(&report, "=== STACK TRACE ===\n%s\n", stackTrace)
	fmt.Fprintf(&report, "=== ALL GOROUTINES (%d) ===\n%s\n", runtime.NumGoroutine(), allGoroutineStacks())
	fmt.Fprintf(&report, "=== RUNTIME ===\nGOOS/GOARCH: %s/%s\nNumCPU: %d\nAlloc: %d MB\nSys: %d MB\nNumGC: %d\n",
		runtime.GOOS, runtime.GOARCH, runtime.NumCPU(),
		memStats.Alloc/1024/1024, memStats.Sys/1024/1024, memStats.NumGC)

	// Unbuffered write; the process is about to exit
	if err := os.WriteFile(crashPath, report.Bytes(), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to write crash file: %v\n%s", err, report.String())
		return ""
	}

	fmt.Fprintf(os.Stderr, "\n!!! FATAL CRASH - Report saved to: %s !!!\nPanic: %v\n", crashPath, panicVal)
	return crashPath
}

// allGoroutineStacks grows the buffer until every stack fits, capped at 64MB
func allGoroutineStacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) || len(buf) >= 64*1024*1024 {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
}

// RecoverWithCrashFile writes a crash report for a panic and exits.
// Usage: defer common.RecoverWithCrashFile()
func RecoverWithCrashFile() {
	if r := recover(); r != nil {
		buf := make([]byte, 8192)
		n := runtime.Stack(buf, false)
		WriteCrashFile(r, string(buf[:n]))
		os.Exit(1)
	}
}
