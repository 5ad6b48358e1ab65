package node

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const reconnectDelay = 10 * time.Second

// Event is one message from the node's /public/ws stream.
type Event struct {
	Cmd  string                 `json:"cmd"`
	Data map[string]interface{} `json:"data"`
}

// Watcher subscribes to the node's websocket stream and fans block and
// transaction events out to channels. Consumers that fall behind drop
// transaction events but never block events.
type Watcher struct {
	wsURL  string
	dialer *websocket.Dialer
	blocks chan map[string]interface{}
	txs    chan map[string]interface{}
	log    *logrus.Entry
}

// NewWatcher builds a watcher from the REST base URL.
func NewWatcher(restBase string, log *logrus.Entry) *Watcher {
	wsURL := strings.Replace(restBase, "http", "ws", 1) + "/public/ws"
	return &Watcher{
		wsURL:  wsURL,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		blocks: make(chan map[string]interface{}, 16),
		txs:    make(chan map[string]interface{}, 64),
		log:    log,
	}
}

// Blocks returns the channel of new-block events.
func (w *Watcher) Blocks() <-chan map[string]interface{} {
	return w.blocks
}

// TXs returns the channel of unconfirmed-transaction events.
func (w *Watcher) TXs() <-chan map[string]interface{} {
	return w.txs
}

// Run connects and reads until ctx is cancelled, reconnecting after a
// fixed delay on any failure.
func (w *Watcher) Run(ctx context.Context) {
	for {
		if err := w.stream(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.WithError(err).Warn("websocket stream closed, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (w *Watcher) stream(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	w.log.WithField("url", w.wsURL).Info("websocket connected")

	// unblock ReadMessage when the context ends
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			w.log.WithError(err).Debug("skipping malformed event")
			continue
		}
		switch ev.Cmd {
		case "Block":
			select {
			case w.blocks <- ev.Data:
			case <-ctx.Done():
				return ctx.Err()
			}
		case "TX":
			select {
			case w.txs <- ev.Data:
			default:
				// tx stream is advisory, drop when full
			}
		}
	}
}
