// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Spawner launches detached child processes: its own process group and
// session, stdin closed, stdout/stderr redirected to a log file. Used by
// pkg/supervisor's subprocess pool mode to realize spec §4.7's
// "subprocess pool" literally as OS processes rather than goroutines.
type Spawner struct {
	Env []string
}

// NewSpawner returns a Spawner that inherits the current process's
// environment.
func NewSpawner() *Spawner {
	return &Spawner{Env: os.Environ()}
}

// SpawnDetached starts binary with args as a detached child, returning
// its PID. The child survives the parent's exit; the supervisor tracks
// and reaps it explicitly via its heartbeat file instead.
func (s *Spawner) SpawnDetached(binary string, args []string, logPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return 0, fmt.Errorf("lifecycle: create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(binary, args...)
	cmd.Env = s.Env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	// Setsid alone: a new session is already its own process group, and
	// combining it with Setpgid fails with EPERM on Linux.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("lifecycle: start %s: %w", binary, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("lifecycle: started but failed to release %s (pid %d): %w", binary, pid, err)
	}
	return pid, nil
}
