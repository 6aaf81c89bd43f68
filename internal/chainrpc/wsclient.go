package chainrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/gorilla/websocket"
)

var log btclog.Logger = btclog.Disabled

// UseLogger assigns the package-level logger.
func UseLogger(l btclog.Logger) { log = l }

// wsRequest/wsResponse are the minimal JSON-RPC-over-websocket envelope
// the indexer node speaks; this mirrors the shape of a typical
// CKB/Nervos JSON-RPC call without depending on a generated client.
type wsRequest struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type wsResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// WSClient is the production Client implementation: a long-lived
// websocket connection to the chain node's RPC endpoint, reconnecting
// on failure the way chainntfs's concrete notifiers reconnect to their
// backing node.
type WSClient struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  uint64
	pending map[uint64]chan wsResponse
}

// NewWSClient dials url (a ws:// or wss:// endpoint) and returns a ready
// client. After a read failure the background read loop re-dials the
// endpoint; call() made while no connection is up fails with "not
// connected" rather than dialling itself.
func NewWSClient(url string) (*WSClient, error) {
	c := &WSClient{url: url, pending: make(map[uint64]chan wsResponse)}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("chainrpc: dial %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *WSClient) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			time.Sleep(time.Second)
			continue
		}

		var resp wsResponse
		if err := conn.ReadJSON(&resp); err != nil {
			log.Warnf("chainrpc: read error, reconnecting: %v", err)
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			if err := c.connect(); err != nil {
				log.Errorf("chainrpc: reconnect failed: %v", err)
				time.Sleep(time.Second)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *WSClient) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan wsResponse, 1)
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("chainrpc: not connected")
	}
	if err := conn.WriteJSON(wsRequest{ID: id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("chainrpc: write: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("chainrpc: %s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *WSClient) SubmitTransaction(ctx context.Context, txData []byte) (string, error) {
	raw, err := c.call(ctx, "send_transaction", txData)
	if err != nil {
		return "", err
	}
	var txHash string
	if err := json.Unmarshal(raw, &txHash); err != nil {
		return "", fmt.Errorf("chainrpc: decode send_transaction result: %w", err)
	}
	return txHash, nil
}

func (c *WSClient) TransactionStatus(ctx context.Context, txHash string) (Confirmation, error) {
	raw, err := c.call(ctx, "get_transaction", txHash)
	if err != nil {
		return Confirmation{}, err
	}
	var conf Confirmation
	if err := json.Unmarshal(raw, &conf); err != nil {
		return Confirmation{}, fmt.Errorf("chainrpc: decode get_transaction result: %w", err)
	}
	return conf, nil
}

func (c *WSClient) WaitConfirmed(ctx context.Context, txHash string) (Confirmation, error) {
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()
	for {
		conf, err := c.TransactionStatus(ctx, txHash)
		if err == nil && conf.Confirmed {
			return conf, nil
		}
		select {
		case <-ctx.Done():
			return Confirmation{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *WSClient) Tip(ctx context.Context) (uint64, error) {
	raw, err := c.call(ctx, "get_tip_block_number")
	if err != nil {
		return 0, err
	}
	var tip uint64
	if err := json.Unmarshal(raw, &tip); err != nil {
		return 0, fmt.Errorf("chainrpc: decode get_tip_block_number result: %w", err)
	}
	return tip, nil
}

// Close terminates the underlying websocket connection.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

var _ Client = (*WSClient)(nil)
