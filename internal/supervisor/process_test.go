package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/edgemesh/edged/internal/config"
)

func TestRestartBudgetExhaustedStopsProcess(t *testing.T) {
	spec := config.SpawnSpec{Command: "/bin/false"}
	rp := config.RestartPolicy{
		MaxRestarts:   2,
		RestartWindow: time.Minute,
		BaseBackoff:   time.Millisecond,
		MaxBackoff:    5 * time.Millisecond,
		GracePeriod:   time.Millisecond,
	}
	mp, err := NewManagedProcess("flaky", spec, rp, config.ProbeSpec{}, 0, nil)
	if err != nil {
		t.Fatalf("NewManagedProcess: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = mp.Run(ctx)
	if err == nil {
		t.Fatalf("expected restart budget exhaustion error")
	}
	if _, ok := err.(interface{ Error() string }); !ok {
		t.Fatalf("expected an error value, got %T", err)
	}
	if mp.State() != StateStopped {
		t.Fatalf("expected final state Stopped, got %s", mp.State())
	}
}

func TestRunGatesRunningOnMarkReady(t *testing.T) {
	spec := config.SpawnSpec{Command: "/bin/sleep", Args: []string{"5"}}
	rp := config.RestartPolicy{GracePeriod: 50 * time.Millisecond}
	probe := config.ProbeSpec{StartupGrace: time.Second}
	mp, err := NewManagedProcess("slow-start", spec, rp, probe, 8080, nil)
	if err != nil {
		t.Fatalf("NewManagedProcess: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = mp.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for mp.State() != StateProbing && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if mp.State() != StateProbing {
		t.Fatalf("expected process to reach StateProbing, got %s", mp.State())
	}

	mp.MarkReady()

	deadline = time.Now().Add(200 * time.Millisecond)
	for mp.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if mp.State() != StateRunning {
		t.Fatalf("expected MarkReady to promote the process to StateRunning well before the 1s startup grace, got %s", mp.State())
	}

	_ = mp.Stop(context.Background())
}

func TestRunFallsBackToRunningAfterStartupGrace(t *testing.T) {
	spec := config.SpawnSpec{Command: "/bin/sleep", Args: []string{"5"}}
	rp := config.RestartPolicy{GracePeriod: 50 * time.Millisecond}
	probe := config.ProbeSpec{StartupGrace: 20 * time.Millisecond}
	mp, err := NewManagedProcess("never-ready", spec, rp, probe, 8080, nil)
	if err != nil {
		t.Fatalf("NewManagedProcess: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = mp.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for mp.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if mp.State() != StateRunning {
		t.Fatalf("expected the process to reach StateRunning once the startup grace period elapsed, got %s", mp.State())
	}

	_ = mp.Stop(context.Background())
}

func TestValidateProcessNameRejectsEmpty(t *testing.T) {
	if err := ValidateProcessName(""); err == nil {
		t.Fatalf("expected error for empty process name")
	}
}

func TestValidateWorkingDirRejectsTraversal(t *testing.T) {
	if err := ValidateWorkingDir("/var/lib/../../etc"); err == nil {
		t.Fatalf("expected error for path traversal in working_dir")
	}
}

func TestValidateWorkingDirRejectsRelative(t *testing.T) {
	if err := ValidateWorkingDir("relative/path"); err == nil {
		t.Fatalf("expected error for relative working_dir")
	}
}
