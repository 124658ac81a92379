package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesSpecKeys(t *testing.T) {
	yamlDoc := `
broker:
  tasksheap:
    size: 256
  max_fragmentation: 0.3
tasks:
  groupmapper: twoUserTest
checkpointTime: 15s
finishedTasksRetention: 2h
finishedTasksPurgeSchedulerPeriod: 30s
maxExpiredTasksPerCycle: 100
mode: replicated
`
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 256, cfg.Broker.TasksHeap.Size)
	require.Equal(t, 0.3, cfg.Broker.MaxFragmentation)
	require.Equal(t, "twoUserTest", cfg.Tasks.GroupMapper)
	require.Equal(t, 15*time.Second, cfg.CheckpointTime)
	require.Equal(t, 2*time.Hour, cfg.FinishedTasksRetention)
	require.Equal(t, 30*time.Second, cfg.FinishedTasksPurgeSchedulerPeriod)
	require.Equal(t, 100, cfg.MaxExpiredTasksPerCycle)
	require.Equal(t, "replicated", cfg.Mode)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDefaultIsSelfConsistent(t *testing.T) {
	cfg := Default()
	require.Equal(t, "memory", cfg.Mode)
	require.Greater(t, cfg.Broker.TasksHeap.Size, 0)
	require.Greater(t, cfg.MaxExpiredTasksPerCycle, 0)
}
