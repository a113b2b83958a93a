// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordAndStats(t *testing.T) {
	c := NewInMemoryCollector()

	c.RecordTask("POTRF")
	c.RecordTask("POTRF")
	c.RecordTask("GEMM")
	c.RecordRelease(false)
	c.RecordRelease(true)
	c.RecordActivation(true)
	c.RecordActivation(false)
	c.RecordPayload(true, 64)
	c.RecordPayload(false, 128)
	c.RecordUnreachable()

	stats := c.GetStats()
	assert.Equal(t, int64(3), stats.TotalTasks)
	assert.Equal(t, int64(2), stats.TasksByClass["POTRF"])
	assert.Equal(t, int64(1), stats.TasksByClass["GEMM"])
	assert.Equal(t, int64(1), stats.LocalReleases)
	assert.Equal(t, int64(1), stats.RemoteReleases)
	assert.Equal(t, int64(1), stats.ActivationsSent)
	assert.Equal(t, int64(1), stats.ActivationsRecv)
	assert.Equal(t, int64(64), stats.BytesSent)
	assert.Equal(t, int64(128), stats.BytesRecv)
	assert.Equal(t, int64(1), stats.Unreachable)
	assert.Positive(t, stats.Duration)
}

func TestReset(t *testing.T) {
	c := NewInMemoryCollector()
	c.RecordTask("T")
	c.RecordPayload(true, 10)

	c.Reset()
	stats := c.GetStats()
	assert.Equal(t, int64(0), stats.TotalTasks)
	assert.Equal(t, int64(0), stats.BytesSent)
	assert.Empty(t, stats.TasksByClass)
}

func TestConcurrentRecording(t *testing.T) {
	c := NewInMemoryCollector()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c.RecordTask("T")
				c.RecordRelease(i%2 == 0)
			}
		}()
	}
	wg.Wait()

	stats := c.GetStats()
	assert.Equal(t, int64(8000), stats.TotalTasks)
	assert.Equal(t, int64(8000), stats.LocalReleases+stats.RemoteReleases)
}

func TestNoOpCollector(t *testing.T) {
	var c Collector = NoOpCollector{}
	c.RecordTask("T")
	c.Reset()
	assert.NotNil(t, c.GetStats())
}
