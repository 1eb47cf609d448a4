/*
Copyright 2024 The Shellway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sftp

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/shellway/supervisor/lib/events"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return &Engine{
		bus:   events.New(16),
		clock: clockwork.NewRealClock(),
		items: make(map[string]*TransferItem),
		queue: make(chan *TransferItem, 16),
		done:  make(chan struct{}),
	}
}

func newTestItem(id string, totalBytes int64) *TransferItem {
	return &TransferItem{
		ID:         id,
		Direction:  DirectionUpload,
		totalBytes: totalBytes,
		pauseCh:    make(chan struct{}, 1),
		resumeCh:   make(chan struct{}),
		cancelCh:   make(chan struct{}),
	}
}

func TestCopyLoopCompletesAndCountsBytes(t *testing.T) {
	e := newTestEngine(t)
	item := newTestItem("t1", 13)
	e.items[item.ID] = item

	var dst bytes.Buffer
	src := strings.NewReader("hello, world!")

	err := e.copyLoop(item, &dst, src)
	require.NoError(t, err)
	require.Equal(t, "hello, world!", dst.String())
	_, transferred, total, _ := item.snapshot()
	require.Equal(t, int64(13), transferred)
	require.Equal(t, int64(13), total)
}

func TestCopyLoopCancelMidTransfer(t *testing.T) {
	e := newTestEngine(t)
	item := newTestItem("t2", 1<<20)
	e.items[item.ID] = item

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		var dst bytes.Buffer
		done <- e.copyLoop(item, &dst, pr)
	}()

	pw.Write(make([]byte, defaultChunkSize))
	close(item.cancelCh)

	select {
	case err := <-done:
		require.ErrorIs(t, err, errCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("copyLoop did not observe cancellation")
	}
	pw.Close()
}

func TestCopyLoopPauseThenResume(t *testing.T) {
	e := newTestEngine(t)
	item := newTestItem("t3", int64(len("paused then resumed")))
	e.items[item.ID] = item

	var dst bytes.Buffer
	src := strings.NewReader("paused then resumed")

	item.pauseCh <- struct{}{}

	var wg sync.WaitGroup
	wg.Add(1)
	var copyErr error
	go func() {
		defer wg.Done()
		copyErr = e.copyLoop(item, &dst, src)
	}()

	require.Eventually(t, func() bool {
		status, _, _, _ := item.snapshot()
		return status == TransferPaused
	}, time.Second, 5*time.Millisecond)

	close(item.resumeCh)
	item.resumeCh = make(chan struct{})

	wg.Wait()
	require.NoError(t, copyErr)
	require.Equal(t, "paused then resumed", dst.String())
}

func TestEngineListSnapshotsEveryItem(t *testing.T) {
	e := newTestEngine(t)
	e.items["a"] = newTestItem("a", 100)
	e.items["b"] = newTestItem("b", 200)

	items := e.List()
	require.Len(t, items, 2)
}

func TestEnginePauseUnknownTransferIsNotFound(t *testing.T) {
	e := newTestEngine(t)
	err := e.Pause("missing")
	require.Error(t, err)
}

func TestEngineResumeRequiresPausedStatus(t *testing.T) {
	e := newTestEngine(t)
	item := newTestItem("t4", 10)
	item.status = TransferActive
	e.items[item.ID] = item

	err := e.Resume("t4")
	require.Error(t, err)
}

func TestEngineRetryRejectsCompletedTransfer(t *testing.T) {
	e := newTestEngine(t)
	item := newTestItem("t5", 10)
	item.status = TransferCompleted
	e.items[item.ID] = item

	err := e.Retry("t5")
	require.Error(t, err)
}

func TestCopyLoopStallsWhenNoBytesArrive(t *testing.T) {
	e := newTestEngine(t)
	fake := clockwork.NewFakeClock()
	e.clock = fake

	item := newTestItem("t7", 1<<20)
	e.items[item.ID] = item

	pr, pw := io.Pipe()
	defer pw.Close()

	done := make(chan error, 1)
	go func() {
		var dst bytes.Buffer
		done <- e.copyLoop(item, &dst, pr)
	}()

	fake.BlockUntil(1)
	fake.Advance(stallTimeout)

	select {
	case err := <-done:
		require.Error(t, err)
		require.Contains(t, err.Error(), "stalled")
	case <-time.After(2 * time.Second):
		t.Fatal("copyLoop did not observe the stall")
	}
}

func TestEngineRetryRequeuesFailedTransfer(t *testing.T) {
	e := newTestEngine(t)
	item := newTestItem("t6", 10)
	item.status = TransferFailed
	e.items[item.ID] = item

	require.NoError(t, e.Retry("t6"))
	select {
	case queued := <-e.queue:
		require.Equal(t, item, queued)
		require.Equal(t, TransferQueued, queued.status)
	default:
		t.Fatal("retry did not re-enqueue the item")
	}
}
