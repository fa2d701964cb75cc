//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breadfs/breadfs/testutil"
)

var (
	binaryPath string
	configPath string
	backend    string
)

// TestMain builds the binary and checks that the target backend was opted
// in. Set BREADFS_E2E_BACKEND to a backend name from BREADFS_E2E_CONFIG.
func TestMain(m *testing.M) {
	root := testutil.FindModuleRoot("..")
	testutil.LoadDotEnv(filepath.Join(root, ".env"))

	backend = os.Getenv(testutil.EnvBackend)
	configPath = os.Getenv(testutil.EnvConfig)

	if backend == "" || configPath == "" {
		fmt.Fprintf(os.Stderr, "skipping e2e: %s and %s must be set\n", testutil.EnvBackend, testutil.EnvConfig)
		os.Exit(0)
	}

	testutil.ValidateAllowlist(backend)

	tmpDir, err := os.MkdirTemp("", "breadfs-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "breadfs")

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = root
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()

	os.RemoveAll(tmpDir)
	os.Exit(code)
}

func runCLI(t *testing.T, args ...string) (string, string) {
	t.Helper()

	stdout, stderr, err := execCLI(args...)
	if err != nil {
		t.Fatalf("CLI command %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout, stderr)
	}

	return stdout, stderr
}

func runCLIExpectError(t *testing.T, args ...string) string {
	t.Helper()

	_, stderr, err := execCLI(args...)
	require.Error(t, err, "expected %v to fail", args)

	return stderr
}

func execCLI(args ...string) (string, string, error) {
	return execCLIWithInput("", args...)
}

// remote addresses p on the backend under test.
func remote(p string) string {
	return backend + ":/" + strings.TrimPrefix(p, "/")
}

func TestE2E_RoundTrip(t *testing.T) {
	testFolder := fmt.Sprintf("breadfs-e2e-%d", time.Now().UnixNano())
	testSubfolder := testFolder + "/subfolder"
	testFile := testFolder + "/test.txt"
	testContent := []byte("Hello from breadfs E2E test!\n")

	t.Cleanup(func() {
		// Best-effort cleanup.
		_, _, _ = execCLI("rm", "-r", "-f", remote(testFolder))
	})

	t.Run("mkdir", func(t *testing.T) {
		_, stderr := runCLI(t, "mkdir", "-p", remote(testSubfolder))
		assert.Contains(t, stderr, "Created")
	})

	t.Run("put", func(t *testing.T) {
		local := filepath.Join(t.TempDir(), "upload.txt")
		require.NoError(t, os.WriteFile(local, testContent, 0o644))

		_, stderr := runCLI(t, "put", local, remote(testFile))
		assert.Contains(t, stderr, "Copied")
	})

	t.Run("ls_folder", func(t *testing.T) {
		stdout, _ := runCLI(t, "ls", remote(testFolder))
		assert.Contains(t, stdout, "test.txt")
		assert.Contains(t, stdout, "subfolder/")
	})

	t.Run("stat_json", func(t *testing.T) {
		stdout, _ := runCLI(t, "--json", "stat", remote(testFile))

		var out map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &out))
		assert.Equal(t, "file", out["kind"])
		assert.EqualValues(t, len(testContent), out["size"])
	})

	t.Run("cat", func(t *testing.T) {
		stdout, _ := runCLI(t, "cat", remote(testFile))
		assert.Equal(t, string(testContent), stdout)
	})

	t.Run("cp_same_backend", func(t *testing.T) {
		runCLI(t, "cp", remote(testFile), remote(testSubfolder+"/copy.txt"))

		stdout, _ := runCLI(t, "cat", remote(testSubfolder+"/copy.txt"))
		assert.Equal(t, string(testContent), stdout)
	})

	t.Run("cp_refuses_overwrite", func(t *testing.T) {
		stderr := runCLIExpectError(t, "cp", remote(testFile), remote(testSubfolder+"/copy.txt"))
		assert.Contains(t, stderr, "already exists")
	})

	t.Run("mv", func(t *testing.T) {
		runCLI(t, "mv", remote(testSubfolder+"/copy.txt"), remote(testFolder+"/moved.txt"))

		stdout, _ := runCLI(t, "ls", remote(testFolder))
		assert.Contains(t, stdout, "moved.txt")

		stdout, _ = runCLI(t, "ls", remote(testSubfolder))
		assert.NotContains(t, stdout, "copy.txt")
	})

	t.Run("get", func(t *testing.T) {
		localPath := filepath.Join(t.TempDir(), "downloaded.txt")
		runCLI(t, "get", remote(testFile), localPath)

		downloaded, err := os.ReadFile(localPath)
		require.NoError(t, err)
		assert.Equal(t, testContent, downloaded)
	})

	t.Run("cross_backend_stream", func(t *testing.T) {
		local := t.TempDir()

		runCLI(t, "--fallback", "stream", "cp", remote(testFile), local+"/")

		downloaded, err := os.ReadFile(filepath.Join(local, "test.txt"))
		require.NoError(t, err)
		assert.Equal(t, testContent, downloaded)
	})

	t.Run("rm_non_empty_needs_recursive", func(t *testing.T) {
		stderr := runCLIExpectError(t, "rm", remote(testFolder))
		assert.Contains(t, stderr, "--recursive")
	})

	t.Run("rm_file", func(t *testing.T) {
		_, stderr := runCLI(t, "rm", remote(testFile))
		assert.Contains(t, stderr, "Deleted")

		runCLIExpectError(t, "stat", remote(testFile))
	})
}

// TestE2E_Names covers names that need escaping or normalization on the
// way to the backend.
func TestE2E_Names(t *testing.T) {
	testFolder := fmt.Sprintf("breadfs-e2e-names-%d", time.Now().UnixNano())

	t.Cleanup(func() {
		_, _, _ = execCLI("rm", "-r", "-f", remote(testFolder))
	})

	runCLI(t, "mkdir", "-p", remote(testFolder))

	for _, name := range []string{"spaces in name.txt", "日本語ファイル.txt", "percent%20name.txt"} {
		t.Run(name, func(t *testing.T) {
			content := "content of " + name

			_, _, err := execCLIWithInput(content, "write", remote(testFolder+"/"+name))
			require.NoError(t, err)

			stdout, _ := runCLI(t, "cat", remote(testFolder+"/"+name))
			assert.Equal(t, content, stdout)
		})
	}
}

func execCLIWithInput(input string, args ...string) (string, string, error) {
	cmd := exec.Command(binaryPath, append([]string{"--config", configPath}, args...)...)
	cmd.Stdin = strings.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}
