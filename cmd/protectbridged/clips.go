package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/protectbridge/internal/hksv"
)

// writeRecording pulls one recording stream into w until it ends. A stream
// cut short by ctx is closed normally.
func writeRecording(ctx context.Context, rec *hksv.RecordingDelegate, id int, w io.Writer) (int64, error) {
	stream := rec.HandleRecordingStreamRequest(ctx, id)

	var written int64
	for {
		pkt, err := stream.Next()
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			rec.CloseRecordingStream(id, hksv.ReasonNormal)
			if ctx.Err() != nil {
				return written, nil
			}
			return written, err
		}

		n, err := w.Write(pkt.Data)
		written += int64(n)
		if err != nil {
			rec.CloseRecordingStream(id, hksv.ReasonUnexpectedFailure)
			return written, errors.Wrap(err, "writing recording")
		}
		if pkt.IsLast {
			rec.AcknowledgeStream(id)
			return written, nil
		}
	}
}

// clipRecorder saves a clip of every motion event on an armed camera,
// standing in for a HomeKit hub.
type clipRecorder struct {
	dir string
	ctx context.Context
	inv *inventory

	mu     sync.Mutex
	active map[string]*clip
	nextID int
	wg     sync.WaitGroup
}

type clip struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
}

func newClipRecorder(ctx context.Context, dir string, inv *inventory) *clipRecorder {
	return &clipRecorder{
		dir:    dir,
		ctx:    ctx,
		inv:    inv,
		active: make(map[string]*clip),
	}
}

// motion starts a clip when motion begins and ends it when motion resets. A
// clip ended before it has started pulling is never started.
func (c *clipRecorder) motion(mac string, detected bool) {
	b := c.inv.camera(mac)
	if b == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cl, recording := c.active[mac]
	switch {
	case detected && !recording && b.recording.IsRecording():
		c.nextID++
		cl = &clip{id: c.nextID}
		cl.ctx, cl.cancel = context.WithCancel(c.ctx)
		c.active[mac] = cl
		c.wg.Add(1)
		go c.record(b, mac, cl)
	case !detected && recording:
		cl.cancel()
	}
}

func (c *clipRecorder) record(b *cameraBridge, mac string, cl *clip) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if c.active[mac] == cl {
			delete(c.active, mac)
		}
		c.mu.Unlock()
		cl.cancel()
	}()

	if cl.ctx.Err() != nil {
		return
	}

	name := filepath.Join(c.dir, fmt.Sprintf("%s-%s.mp4", mac, time.Now().Format("20060102-150405")))
	f, err := os.Create(name)
	if err != nil {
		b.log.Error("Unable to save clip: %v", err)
		return
	}

	n, err := writeRecording(cl.ctx, b.recording, cl.id, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		b.log.Error("Clip %s: %v", name, err)
	}
	if n == 0 {
		os.Remove(name)
		return
	}
	b.log.Info("Saved %s (%d bytes).", name, n)
}

// wait blocks until every clip in progress has been saved.
func (c *clipRecorder) wait() {
	c.wg.Wait()
}
