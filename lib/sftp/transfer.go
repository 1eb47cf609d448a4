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
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/sftp"

	"github.com/shellway/supervisor/lib/errs"
	"github.com/shellway/supervisor/lib/events"
)

const (
	defaultChunkSize = 32 * 1024
	progressThrottle = 100 * time.Millisecond // 10 Hz cap, §4.3
	ewmaAlpha        = 0.3
	stallTimeout     = 60 * time.Second // §5: no bytes for 60s => stalled
)

// Direction is a TransferItem's direction (§3).
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// TransferStatus is a TransferItem's lifecycle status (§3).
type TransferStatus string

const (
	TransferQueued    TransferStatus = "queued"
	TransferActive    TransferStatus = "active"
	TransferPaused    TransferStatus = "paused"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
	TransferCancelled TransferStatus = "cancelled"
)

// TransferUpdate is the payload of sftp:transfer-update (§6). HumanSpeed
// and HumanETA are presentation conveniences derived from SpeedBps and
// EtaSeconds with github.com/dustin/go-humanize, so the UI never has to
// reimplement byte/duration formatting.
type TransferUpdate struct {
	Status           TransferStatus `json:"status"`
	TransferredBytes int64          `json:"transferredBytes"`
	TotalBytes       int64          `json:"totalBytes,omitempty"`
	SpeedBps         float64        `json:"speedBps"`
	EtaSeconds       float64        `json:"etaSeconds,omitempty"`
	HumanSpeed       string         `json:"humanSpeed,omitempty"`
	HumanETA         string         `json:"humanEta,omitempty"`
}

// TransferComplete is the payload of sftp:transfer-complete (§6).
type TransferComplete struct {
	Status TransferStatus `json:"status"`
	Error  string         `json:"error,omitempty"`
}

// TransferItem is one file-or-directory operation (§3).
type TransferItem struct {
	ID          string
	Direction   Direction
	Source      string
	Destination string

	mu               sync.Mutex
	totalBytes       int64
	transferredBytes int64
	status           TransferStatus
	speedBps         float64
	lastErr          error

	pauseCh  chan struct{}
	resumeCh chan struct{}
	cancelCh chan struct{}
}

func (it *TransferItem) snapshot() (TransferStatus, int64, int64, float64) {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.status, it.transferredBytes, it.totalBytes, it.speedBps
}

// Status, TransferredBytes, TotalBytes and SpeedBps expose a TransferItem's
// mutable fields to callers outside the package (the Dispatcher's replies,
// tool/sftpdemo), the way Shell.Status exposes shell.Shell's state.
func (it *TransferItem) Status() TransferStatus {
	s, _, _, _ := it.snapshot()
	return s
}

func (it *TransferItem) TransferredBytes() int64 {
	_, transferred, _, _ := it.snapshot()
	return transferred
}

func (it *TransferItem) TotalBytes() int64 {
	_, _, total, _ := it.snapshot()
	return total
}

func (it *TransferItem) SpeedBps() float64 {
	_, _, _, speed := it.snapshot()
	return speed
}

// Engine is the SFTP transfer engine: a FIFO queue plus a worker pool
// (§4.3).
type Engine struct {
	sess  *Session
	bus   *events.Bus
	clock clockwork.Clock

	concurrency  int
	bandwidthKBs int

	mu    sync.Mutex
	items map[string]*TransferItem
	queue chan *TransferItem

	closeOnce sync.Once
	done      chan struct{}
}

func newEngine(sess *Session, bus *events.Bus, clock clockwork.Clock, concurrency int, bandwidthKBps int) *Engine {
	if concurrency <= 0 {
		concurrency = 3
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	e := &Engine{
		sess:         sess,
		bus:          bus,
		clock:        clock,
		concurrency:  concurrency,
		bandwidthKBs: bandwidthKBps,
		items:        make(map[string]*TransferItem),
		queue:        make(chan *TransferItem, 4096),
		done:         make(chan struct{}),
	}
	for i := 0; i < concurrency; i++ {
		go e.worker()
	}
	return e
}

func (e *Engine) shutdown() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
}

func (e *Engine) enqueue(item *TransferItem) {
	item.status = TransferQueued
	item.pauseCh = make(chan struct{}, 1)
	item.resumeCh = make(chan struct{})
	item.cancelCh = make(chan struct{})

	e.mu.Lock()
	e.items[item.ID] = item
	e.mu.Unlock()

	select {
	case e.queue <- item:
	case <-e.done:
	}
}

// Download queues a download of remote → local.
func (e *Engine) Download(id, remote, local string, totalBytes int64) {
	e.enqueue(&TransferItem{ID: id, Direction: DirectionDownload, Source: remote, Destination: local, totalBytes: totalBytes})
}

// Upload queues an upload of local → remote.
func (e *Engine) Upload(id, local, remote string, totalBytes int64) {
	e.enqueue(&TransferItem{ID: id, Direction: DirectionUpload, Source: local, Destination: remote, totalBytes: totalBytes})
}

// List returns a snapshot of every tracked TransferItem.
func (e *Engine) List() []TransferItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TransferItem, 0, len(e.items))
	for _, it := range e.items {
		status, transferred, total, speed := it.snapshot()
		out = append(out, TransferItem{ID: it.ID, Direction: it.Direction, Source: it.Source, Destination: it.Destination,
			status: status, transferredBytes: transferred, totalBytes: total, speedBps: speed})
	}
	return out
}

func (e *Engine) get(id string) (*TransferItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	it, ok := e.items[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "no transfer %s", id)
	}
	return it, nil
}

// Pause signals a worker to park the item after its current chunk.
func (e *Engine) Pause(id string) error {
	it, err := e.get(id)
	if err != nil {
		return err
	}
	select {
	case it.pauseCh <- struct{}{}:
	default:
	}
	return nil
}

// Resume signals a paused worker to continue from transferredBytes.
func (e *Engine) Resume(id string) error {
	it, err := e.get(id)
	if err != nil {
		return err
	}
	it.mu.Lock()
	if it.status != TransferPaused {
		it.mu.Unlock()
		return errs.New(errs.InvalidArgument, "transfer %s is not paused", id)
	}
	it.mu.Unlock()
	close(it.resumeCh)
	it.resumeCh = make(chan struct{})
	return nil
}

// Cancel stops an item; the worker then removes its partial destination
// (a download's local .part file, an upload's remote .tmp file). There is
// no option to keep the partial file.
func (e *Engine) Cancel(id string) error {
	it, err := e.get(id)
	if err != nil {
		return err
	}
	select {
	case <-it.cancelCh:
	default:
		close(it.cancelCh)
	}
	return nil
}

// Retry re-queues a failed or cancelled item (§4.3). A failed item keeps
// its transferredBytes and resumes; a cancelled item's partial destination
// was removed, so it starts again from byte 0.
func (e *Engine) Retry(id string) error {
	it, err := e.get(id)
	if err != nil {
		return err
	}
	it.mu.Lock()
	if it.status != TransferFailed && it.status != TransferCancelled {
		it.mu.Unlock()
		return errs.New(errs.InvalidArgument, "transfer %s is not retryable", id)
	}
	it.status = TransferQueued
	it.lastErr = nil
	it.mu.Unlock()

	it.cancelCh = make(chan struct{})
	select {
	case e.queue <- it:
	case <-e.done:
	}
	return nil
}

func (e *Engine) worker() {
	for {
		select {
		case <-e.done:
			return
		case item := <-e.queue:
			e.run(item)
		}
	}
}

func (e *Engine) run(item *TransferItem) {
	item.mu.Lock()
	item.status = TransferActive
	item.mu.Unlock()
	e.publishUpdate(item)

	var err error
	if item.Direction == DirectionDownload {
		err = e.runDownload(item)
	} else {
		err = e.runUpload(item)
	}

	item.mu.Lock()
	switch {
	case err == errCancelled:
		item.status = TransferCancelled
	case err != nil:
		item.status = TransferFailed
		item.lastErr = err
	default:
		item.status = TransferCompleted
	}
	status := item.status
	item.mu.Unlock()

	complete := TransferComplete{Status: status}
	if err != nil && err != errCancelled {
		complete.Error = err.Error()
	}
	e.bus.Publish(events.Event{Name: events.SFTPTransferComplete, TransferID: item.ID, Payload: complete})
}

var errCancelled = errs.New(errs.Cancelled, "transfer cancelled")

// runDownload streams sess.client.Open(item.Source) into a local
// ${dest}.part file, resuming from an existing .part iff its size is
// smaller than totalBytes, then renames into place.
func (e *Engine) runDownload(item *TransferItem) error {
	src, err := e.sess.client.Open(item.Source)
	if err != nil {
		return classifySFTPError(err)
	}
	defer src.Close()

	partPath := item.Destination + ".part"
	startOffset := int64(0)
	if info, statErr := os.Stat(partPath); statErr == nil {
		item.mu.Lock()
		total := item.totalBytes
		item.mu.Unlock()
		if info.Size() < total {
			startOffset = info.Size()
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if startOffset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	dst, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return errs.Wrap(errs.Permission, err)
	}
	defer dst.Close()

	lock := flock.New(partPath + ".lock")
	if ok, lockErr := lock.TryLock(); lockErr != nil || !ok {
		return errs.New(errs.Exists, "transfer already in progress for %s", item.Destination)
	}
	defer lock.Unlock()

	if startOffset > 0 {
		if _, err := src.Seek(startOffset, io.SeekStart); err != nil {
			return errs.Wrap(errs.Protocol, err)
		}
	}
	item.mu.Lock()
	item.transferredBytes = startOffset
	item.mu.Unlock()

	if err := e.copyLoop(item, dst, src); err != nil {
		if err == errCancelled {
			os.Remove(partPath)
		}
		return err
	}

	if err := os.Rename(partPath, item.Destination); err != nil {
		return errs.Wrap(errs.Permission, err)
	}
	return nil
}

func (e *Engine) runUpload(item *TransferItem) error {
	src, err := os.Open(item.Source)
	if err != nil {
		return errs.Wrap(errs.NotFound, err)
	}
	defer src.Close()

	item.mu.Lock()
	offset := item.transferredBytes
	item.mu.Unlock()
	if offset > 0 {
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			return errs.Wrap(errs.Protocol, err)
		}
	}

	tmp := item.Destination + ".tmp"
	var dst *sftp.File
	if offset > 0 {
		dst, err = e.sess.client.OpenFile(tmp, os.O_WRONLY|os.O_APPEND)
	} else {
		dst, err = e.sess.client.Create(tmp)
	}
	if err != nil {
		return classifySFTPError(err)
	}
	defer dst.Close()

	if err := e.copyLoop(item, dst, src); err != nil {
		if err == errCancelled {
			e.sess.client.Remove(tmp)
			item.mu.Lock()
			item.transferredBytes = 0
			item.mu.Unlock()
		}
		return err
	}
	if err := dst.Close(); err != nil {
		return errs.Wrap(errs.Network, err)
	}
	if err := e.sess.client.Rename(tmp, item.Destination); err != nil {
		return classifySFTPError(err)
	}
	return nil
}

type readResult struct {
	n   int
	err error
}

// copyLoop copies in fixed-size chunks, updating progress, EWMA speed and
// bandwidth throttling, honoring pause/resume/cancel signals, and failing
// with stalled if no bytes arrive within stallTimeout (§4.3, §5). Reads run
// on a background goroutine so the select can race a read against the stall
// timer and the pause/cancel signals without blocking on src.Read.
func (e *Engine) copyLoop(item *TransferItem, dst io.Writer, src io.Reader) error {
	buf := make([]byte, defaultChunkSize)
	lastPublish := time.Time{}
	windowStart := e.clock.Now()
	windowBytes := int64(0)

	readCh := make(chan readResult, 1)
	requestRead := func() {
		go func() {
			n, err := src.Read(buf)
			readCh <- readResult{n: n, err: err}
		}()
	}
	requestRead()

	for {
		select {
		case <-item.cancelCh:
			return errCancelled

		case <-item.pauseCh:
			item.mu.Lock()
			item.status = TransferPaused
			resumeCh := item.resumeCh
			item.mu.Unlock()
			e.publishUpdate(item)
			select {
			case <-resumeCh:
				item.mu.Lock()
				item.status = TransferActive
				item.mu.Unlock()
				windowStart = e.clock.Now()
				windowBytes = 0
			case <-item.cancelCh:
				return errCancelled
			}

		case <-e.clock.After(stallTimeout):
			return errs.New(errs.Stalled, "transfer %s stalled: no bytes for %s", item.ID, stallTimeout)

		case res := <-readCh:
			n, readErr := res.n, res.err
			if n > 0 {
				if _, err := dst.Write(buf[:n]); err != nil {
					return errs.Wrap(errs.Network, err)
				}
				item.mu.Lock()
				item.transferredBytes += int64(n)
				item.mu.Unlock()

				windowBytes += int64(n)
				if elapsed := e.clock.Now().Sub(windowStart); elapsed >= time.Second {
					speed := float64(windowBytes) / elapsed.Seconds()
					item.mu.Lock()
					item.speedBps = item.speedBps*(1-ewmaAlpha) + speed*ewmaAlpha
					item.mu.Unlock()
					windowStart = e.clock.Now()
					windowBytes = 0
				}

				if e.clock.Now().Sub(lastPublish) >= progressThrottle {
					e.publishUpdate(item)
					lastPublish = e.clock.Now()
				}

				if e.bandwidthKBs > 0 {
					e.throttle(int64(n))
				}
			}
			if readErr != nil {
				if readErr == io.EOF {
					e.publishUpdate(item)
					return nil
				}
				return errs.Wrap(errs.Network, readErr)
			}
			requestRead()
		}
	}
}

// throttle sleeps long enough to keep the average rate at or under the
// configured KB/s cap (§4.3).
func (e *Engine) throttle(bytesThisWindow int64) {
	capBps := float64(e.bandwidthKBs * 1024)
	if capBps <= 0 {
		return
	}
	expected := time.Duration(float64(bytesThisWindow) / capBps * float64(time.Second))
	if expected > 0 {
		e.clock.Sleep(expected)
	}
}

func (e *Engine) publishUpdate(item *TransferItem) {
	status, transferred, total, speed := item.snapshot()
	update := TransferUpdate{Status: status, TransferredBytes: transferred, TotalBytes: total, SpeedBps: speed}
	if speed > 0 {
		update.HumanSpeed = humanize.Bytes(uint64(speed)) + "/s"
	}
	if speed > 0 && total > transferred {
		update.EtaSeconds = float64(total-transferred) / speed
		update.HumanETA = humanize.RelTime(time.Now(), time.Now().Add(time.Duration(update.EtaSeconds*float64(time.Second))), "", "")
	}
	e.bus.Publish(events.Event{Name: events.SFTPTransferUpdate, TransferID: item.ID, Payload: update})
}
