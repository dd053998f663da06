// Package livestream consumes a camera's fragmented MP4 livestream from the
// controller over a websocket.
package livestream

import (
	"bytes"
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/lanikai/protectbridge/internal/fmp4"
	"github.com/lanikai/protectbridge/internal/logging"
	"github.com/lanikai/protectbridge/internal/media"
)

var log = logging.DefaultLogger.WithTag("livestream")

const (
	handshakeTimeout = 10 * time.Second

	// How long GetInitSegment waits for the first initialization segment.
	initSegmentTimeout = 5 * time.Second
)

var ErrNotStarted = errors.New("livestream not started")

// Client is a live fragment source for one camera. A Client serves a single
// session at a time; Start ends any previous session.
type Client struct {
	// Livestream websocket endpoint, e.g.
	// wss://nvr.local/proxy/protect/ws/livestream.
	URL string

	// Headers sent with the websocket handshake (authentication cookie etc.).
	Header http.Header

	Dialer *websocket.Dialer

	log *logging.Logger

	// Fragments received from the controller, initialization segments included.
	feed media.Feed

	mu          sync.Mutex
	conn        *websocket.Conn
	closed      *media.Signal
	initSegment []byte
	initReady   chan struct{}
}

func NewClient(endpoint string, header http.Header, insecureSkipVerify bool, name string) *Client {
	return &Client{
		URL:    endpoint,
		Header: header,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: insecureSkipVerify},
		},
		log: log.WithName(name),
	}
}

// Segments returns the feed of fragments received in the current session.
func (c *Client) Segments() *media.Feed {
	return &c.feed
}

// Closed returns the close signal of the current session. It fires with a
// non-nil error when the controller drops the connection.
func (c *Client) Closed() *media.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == nil {
		c.closed = new(media.Signal)
	}
	return c.closed
}

// Start opens a livestream of the given channel, asking the controller for
// fragments of the given length.
func (c *Client) Start(ctx context.Context, deviceID string, channel int, segmentLength time.Duration) error {
	c.Stop()

	u, err := c.streamURL(deviceID, channel, segmentLength)
	if err != nil {
		return err
	}

	conn, resp, err := c.Dialer.DialContext(ctx, u, c.Header)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "livestream handshake failed (HTTP %d)", resp.StatusCode)
		}
		return errors.Wrap(err, "livestream dial failed")
	}

	closed := new(media.Signal)
	c.mu.Lock()
	c.conn = conn
	c.closed = closed
	c.initSegment = nil
	c.initReady = make(chan struct{})
	c.mu.Unlock()

	c.log.Debug("Livestream started on channel %d (%v fragments).", channel, segmentLength)
	go c.readLoop(conn, closed)
	return nil
}

// Stop ends the current session, if any.
func (c *Client) Stop() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}

	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	conn.Close()
}

// InitSegment returns the cached initialization segment, or nil if the
// controller hasn't sent one yet.
func (c *Client) InitSegment() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initSegment
}

// GetInitSegment waits briefly for the initialization segment. It returns nil
// if none arrives.
func (c *Client) GetInitSegment(ctx context.Context) []byte {
	c.mu.Lock()
	ready := c.initReady
	init := c.initSegment
	c.mu.Unlock()

	if init != nil || ready == nil {
		return init
	}

	timer := time.NewTimer(initSegmentTimeout)
	defer timer.Stop()
	select {
	case <-ready:
	case <-timer.C:
	case <-ctx.Done():
	}
	return c.InitSegment()
}

func (c *Client) streamURL(deviceID string, channel int, segmentLength time.Duration) (string, error) {
	if c.URL == "" {
		return "", errors.New("no livestream endpoint configured")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", errors.Wrap(err, "invalid livestream endpoint")
	}

	q := u.Query()
	q.Set("camera", deviceID)
	q.Set("channel", strconv.Itoa(channel))
	q.Set("fragmentDurationMillis", strconv.FormatInt(segmentLength.Milliseconds(), 10))
	q.Set("progressive", "true")
	q.Set("requestId", uuid.New().String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) setInitSegment(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if bytes.Equal(c.initSegment, p) {
		return
	}
	if c.initSegment != nil {
		c.log.Debug("Livestream initialization segment changed.")
	}
	c.initSegment = p
	if c.initReady != nil {
		select {
		case <-c.initReady:
		default:
			close(c.initReady)
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, closed *media.Signal) {
	var splitter fmp4.Splitter

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			// A replaced or stopped connection was closed on purpose.
			c.mu.Lock()
			intentional := c.conn != conn
			c.mu.Unlock()

			if intentional {
				closed.Fire(nil)
			} else {
				conn.Close()
				closed.Fire(errors.Wrap(err, "livestream connection lost"))
			}
			return
		}

		if typ != websocket.BinaryMessage {
			c.log.Trace(5, "Ignoring livestream text message: %s", data)
			continue
		}

		segments, err := splitter.Write(data)
		for _, seg := range segments {
			if seg.Init {
				c.setInitSegment(seg.Data)
			}
			c.feed.Emit(seg.Data)
		}
		if err != nil {
			c.log.Warn("Malformed livestream data: %v", err)
			conn.Close()
			closed.Fire(err)
			return
		}
	}
}
