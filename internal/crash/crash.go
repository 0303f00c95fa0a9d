package crash

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// Recorder writes crash files into Dir
type Recorder struct {
	Dir     string
	Version string
	Args    []string // defaults to os.Args

	now func() time.Time
}

// NewRecorder creates a recorder writing into dir
func NewRecorder(dir, version string) *Recorder {
	return &Recorder{Dir: dir, Version: version}
}

// NameFormat returns the "v<version>-<unix ms>.txt" file name shared by
// crash records and log files, with dots in version replaced by underscores.
func NameFormat(version string, t time.Time) string {
	return fmt.Sprintf("v%s-%d.txt", strings.ReplaceAll(version, ".", "_"), t.UnixMilli())
}

// FileName returns the crash file name for t
func (r *Recorder) FileName(t time.Time) string {
	return "crash-" + NameFormat(r.Version, t)
}

// Record writes a crash file for the panic value v and returns its path
func (r *Recorder) Record(v any, stack []byte) (string, error) {
	return r.write("Panic", v, stack)
}

// RecordError writes a crash file for a fatal error that ended the process
// without a panic, such as an unusable configuration at startup.
func (r *Recorder) RecordError(err error) (string, error) {
	return r.write("Error", err, nil)
}

func (r *Recorder) write(kind string, v any, stack []byte) (string, error) {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	t := now()

	args := r.Args
	if args == nil {
		args = os.Args
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Time: %s\n", t.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "Version: %s\n", r.Version)
	fmt.Fprintf(&b, "Go version: %s\n", runtime.Version())
	for _, arg := range args {
		fmt.Fprintf(&b, "Argument: %s\n", arg)
	}
	fmt.Fprintf(&b, "\n%s: %v\n\n", kind, v)
	b.Write(stack)
	if len(stack) > 0 && stack[len(stack)-1] != '\n' {
		b.WriteByte('\n')
	}

	if err := os.MkdirAll(r.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create crash directory: %w", err)
	}
	path := filepath.Join(r.Dir, r.FileName(t))
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write crash file: %w", err)
	}
	return path, nil
}

// Guard runs fn. A panic escaping fn is recorded and then re-raised.
func (r *Recorder) Guard(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			if path, err := r.Record(v, debug.Stack()); err != nil {
				fmt.Fprintf(os.Stderr, "failed to record crash: %v\n", err)
			} else {
				fmt.Fprintf(os.Stderr, "crash recorded in %s\n", path)
			}
			panic(v)
		}
	}()
	fn()
}
