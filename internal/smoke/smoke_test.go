// Package smoke holds end-to-end tests that build and run the real
// taskforge binary. They are slower than unit tests and exercise the
// daemon the way an operator would: start it, poll it, signal it.
package smoke

import (
	"bytes"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func moduleRoot(t *testing.T) string {
	t.Helper()

	cmd := exec.Command("go", "env", "GOMOD")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("go env GOMOD: %v", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		t.Fatalf("go env GOMOD returned %q; expected path to go.mod", gomod)
	}
	return filepath.Dir(gomod)
}

func buildTaskforgeBinary(t *testing.T) string {
	t.Helper()
	root := moduleRoot(t)
	outPath := filepath.Join(t.TempDir(), "taskforge")
	cmd := exec.Command("go", "build", "-o", outPath, "./cmd/taskforge")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("build binary: %v\n%s", err, buf.String())
	}
	return outPath
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick free addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func writeMinimalConfig(t *testing.T, home, addr string) {
	t.Helper()
	data := "bind_addr: \"" + addr + "\"\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestSmoke_BuildsTaskforgeBinary(t *testing.T) {
	bin := buildTaskforgeBinary(t)

	fi, err := os.Stat(bin)
	if err != nil {
		t.Fatalf("stat built binary: %v", err)
	}
	if fi.Size() <= 0 {
		t.Fatalf("built binary has unexpected size %d", fi.Size())
	}
}
