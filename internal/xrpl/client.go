/*
Copyright 2024 Blnk Finance Authors.

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

package xrpl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/waldocoin/waldo/config"
	"golang.org/x/time/rate"
)

// ErrConnectionLost is returned to requests still waiting when the socket drops.
var ErrConnectionLost = errors.New("xrpl connection lost")

// RPCError is an error response from the node. Code carries the node's error token, for
// example actNotFound or txnNotFound.
type RPCError struct {
	Command string
	Code    string
	Message string
	Data    gjson.Result
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Command, e.Code)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Command, e.Code, e.Message)
}

// SearchedAll reports whether a txnNotFound answer covered the whole requested ledger range.
// Without it a missing transaction may simply be outside the node's history.
func (e *RPCError) SearchedAll() bool {
	if v := e.Data.Get("searched_all"); v.Exists() {
		return v.Bool()
	}
	return e.Data.Get("result.searched_all").Bool()
}

// IsRPCError reports whether err is a node error response with the given code.
func IsRPCError(err error, code string) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

// Client issues request/response commands over a single lazily dialled websocket. Responses
// are matched to requests by id, so many callers can share the socket.
type Client struct {
	url     string
	timeout time.Duration
	limiter *rate.Limiter
	dialer  *websocket.Dialer
	nextID  atomic.Uint64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan gjson.Result

	writeMu sync.Mutex
}

func NewClient(cfg config.XRPLConfig) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		url:     cfg.Node,
		timeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
		limiter: rate.NewLimiter(limit, burst),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending: make(map[uint64]chan gjson.Result),
	}
}

func (c *Client) connection(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}

		msg := gjson.ParseBytes(message)
		id := msg.Get("id")
		if !id.Exists() {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[id.Uint()]
		delete(c.pending, id.Uint())
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

// drop forgets a dead socket and releases everyone waiting on it.
func (c *Client) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn {
		return
	}
	logrus.WithError(cause).Debug("xrpl client connection closed")
	_ = conn.Close()
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Request sends a command and waits for its response. The returned value is the result object.
// A request that runs out of the client's own timeout drops the socket, since a node that stops
// answering on it does not recover.
func (c *Client) Request(ctx context.Context, command string, params map[string]interface{}) (gjson.Result, error) {
	caller := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, err
	}

	conn, err := c.connection(ctx)
	if err != nil {
		return gjson.Result{}, err
	}

	id := c.nextID.Add(1)
	req := make(map[string]interface{}, len(params)+2)
	for k, v := range params {
		req[k] = v
	}
	req["id"] = id
	req["command"] = command

	payload, err := json.Marshal(req)
	if err != nil {
		return gjson.Result{}, err
	}

	ch := make(chan gjson.Result, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	err = conn.WriteMessage(websocket.TextMessage, payload)
	_ = conn.SetWriteDeadline(time.Time{})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		c.drop(conn, err)
		return gjson.Result{}, fmt.Errorf("%s: %w", command, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		if caller.Err() == nil {
			logrus.WithField("command", command).Warnf("xrpl node did not answer within %s", c.timeout)
			c.drop(conn, ctx.Err())
		}
		return gjson.Result{}, fmt.Errorf("%s: %w", command, ctx.Err())
	case msg, ok := <-ch:
		if !ok {
			return gjson.Result{}, fmt.Errorf("%s: %w", command, ErrConnectionLost)
		}
		if msg.Get("status").String() == "error" {
			return gjson.Result{}, &RPCError{
				Command: command,
				Code:    msg.Get("error").String(),
				Message: msg.Get("error_message").String(),
				Data:    msg,
			}
		}
		return msg.Get("result"), nil
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.drop(conn, errors.New("closed by client"))
	return nil
}

// AccountLines returns the account's trust lines, optionally limited to one peer. It follows
// pagination markers until the set is complete.
func (c *Client) AccountLines(ctx context.Context, account, peer string) ([]TrustLine, error) {
	lines := []TrustLine{}
	var marker interface{}
	for {
		params := map[string]interface{}{
			"account":      account,
			"ledger_index": "validated",
		}
		if peer != "" {
			params["peer"] = peer
		}
		if marker != nil {
			params["marker"] = marker
		}

		result, err := c.Request(ctx, "account_lines", params)
		if err != nil {
			return nil, err
		}
		result.Get("lines").ForEach(func(_, line gjson.Result) bool {
			lines = append(lines, parseTrustLine(line))
			return true
		})

		next := result.Get("marker")
		if !next.Exists() {
			return lines, nil
		}
		marker = next.Value()
	}
}

func (c *Client) AccountInfo(ctx context.Context, account string) (AccountInfo, error) {
	result, err := c.Request(ctx, "account_info", map[string]interface{}{
		"account":      account,
		"ledger_index": "current",
	})
	if err != nil {
		return AccountInfo{}, err
	}

	data := result.Get("account_data")
	drops, err := decimal.NewFromString(data.Get("Balance").String())
	if err != nil {
		return AccountInfo{}, fmt.Errorf("account_info: invalid balance: %w", err)
	}
	return AccountInfo{
		Account:  data.Get("Account").String(),
		Balance:  DropsToXRP(drops),
		Sequence: uint32(data.Get("Sequence").Uint()),
	}, nil
}

func (c *Client) Fee(ctx context.Context) (FeeInfo, error) {
	result, err := c.Request(ctx, "fee", nil)
	if err != nil {
		return FeeInfo{}, err
	}
	return FeeInfo{
		BaseFee:       result.Get("drops.base_fee").Int(),
		MedianFee:     result.Get("drops.median_fee").Int(),
		OpenLedgerFee: result.Get("drops.open_ledger_fee").Int(),
		LedgerCurrent: uint32(result.Get("ledger_current_index").Uint()),
	}, nil
}

// ValidatedLedger returns the index of the latest validated ledger.
func (c *Client) ValidatedLedger(ctx context.Context) (uint32, error) {
	result, err := c.Request(ctx, "ledger", map[string]interface{}{"ledger_index": "validated"})
	if err != nil {
		return 0, err
	}
	index := result.Get("ledger_index").Uint()
	if index == 0 {
		index = result.Get("ledger.ledger_index").Uint()
	}
	if index == 0 {
		return 0, fmt.Errorf("ledger: no validated ledger index in response")
	}
	return uint32(index), nil
}

// AccountTx returns the validated transactions touching account between minLedger and
// maxLedger, oldest first. A maxLedger of zero means the latest validated ledger.
func (c *Client) AccountTx(ctx context.Context, account string, minLedger, maxLedger uint32) ([]RawTxEvent, error) {
	events := []RawTxEvent{}
	upper := int64(-1)
	if maxLedger > 0 {
		upper = int64(maxLedger)
	}
	var marker interface{}
	for {
		params := map[string]interface{}{
			"account":          account,
			"ledger_index_min": int64(minLedger),
			"ledger_index_max": upper,
			"forward":          true,
		}
		if marker != nil {
			params["marker"] = marker
		}

		result, err := c.Request(ctx, "account_tx", params)
		if err != nil {
			return nil, err
		}
		var parseErr error
		result.Get("transactions").ForEach(func(_, entry gjson.Result) bool {
			evt, err := txEventFrom(entry, []byte(entry.Raw))
			if err != nil {
				parseErr = fmt.Errorf("account_tx: %w", err)
				return false
			}
			events = append(events, evt)
			return true
		})
		if parseErr != nil {
			return nil, parseErr
		}

		next := result.Get("marker")
		if !next.Exists() {
			return events, nil
		}
		marker = next.Value()
	}
}

func (c *Client) Submit(ctx context.Context, txBlob string) (SubmitResult, error) {
	result, err := c.Request(ctx, "submit", map[string]interface{}{"tx_blob": txBlob})
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{
		EngineResult:        result.Get("engine_result").String(),
		EngineResultMessage: result.Get("engine_result_message").String(),
		Accepted:            result.Get("accepted").Bool(),
		Hash:                result.Get("tx_json.hash").String(),
	}, nil
}

// Tx looks a transaction up by hash. An unknown hash is reported as an RPCError with code
// txnNotFound. A non-zero range limits the search so the node can say whether it looked
// everywhere.
func (c *Client) Tx(ctx context.Context, hash string, minLedger, maxLedger uint32) (TxResult, error) {
	params := map[string]interface{}{"transaction": hash}
	if minLedger > 0 && maxLedger >= minLedger {
		params["min_ledger"] = minLedger
		params["max_ledger"] = maxLedger
	}
	result, err := c.Request(ctx, "tx", params)
	if err != nil {
		return TxResult{}, err
	}

	lls := result.Get("tx_json.LastLedgerSequence").Uint()
	if lls == 0 {
		lls = result.Get("LastLedgerSequence").Uint()
	}
	return TxResult{
		Hash:               hash,
		Validated:          result.Get("validated").Bool(),
		LedgerIndex:        uint32(result.Get("ledger_index").Uint()),
		TransactionResult:  result.Get("meta.TransactionResult").String(),
		LastLedgerSequence: uint32(lls),
	}, nil
}
