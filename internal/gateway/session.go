// Package gateway relays broker messages to websocket clients. A client
// follows at most one symbol and, once authenticated, its own private topic.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/Aidin1998/tickerex/internal/identity"
	"github.com/Aidin1998/tickerex/internal/pubsub"
	"github.com/Aidin1998/tickerex/pkg/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Inbound frame types
const (
	FrameSubscribe = "subscribe"
	FrameAuth      = "auth"
)

// Frame is a control message sent by a client
type Frame struct {
	Type   string `json:"type" validate:"required,oneof=subscribe auth"`
	Target string `json:"target" validate:"required_if=Type subscribe"`
	Token  string `json:"token" validate:"required_if=Type auth"`
}

// ErrorFrame reports a protocol violation; the connection stays open
type ErrorFrame struct {
	Error string `json:"error"`
}

var errDifferentUser = errors.New("already authenticated as a different user")

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Session is the state of one websocket connection
type Session struct {
	conn         *websocket.Conn
	queue        pubsub.Queue
	resolver     identity.Resolver
	validate     *validator.Validate
	writeTimeout time.Duration
	pongWait     time.Duration
	pingInterval time.Duration
	logger       *zap.Logger

	writeMu sync.Mutex

	// owned by the read loop
	symbol string
	userID string
}

// Run serves the connection until the client leaves, the broker queue closes
// or ctx ends. Either loop failing stops the other. The queue is closed on
// return, which drops every binding of the session.
func (s *Session) Run(ctx context.Context) error {
	metrics.GatewayConnections.Inc()
	defer metrics.GatewayConnections.Dec()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.relayLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		// unblocks ReadMessage
		s.conn.Close()
		return nil
	})
	err := g.Wait()

	if qerr := s.queue.Close(); qerr != nil {
		s.logger.Warn("Failed to close broker queue", zap.Error(qerr))
	}
	if err == nil || errors.Is(err, context.Canceled) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	return err
}

// readLoop drops a client that has sent nothing, pongs included, for
// pongWait. This is what detects half-open connections.
func (s *Session) readLoop(ctx context.Context) error {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWait)); err != nil {
		return err
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWait)); err != nil {
			return err
		}
		if err := s.handle(ctx, data); err != nil {
			return err
		}
	}
}

// handle applies one inbound frame. Protocol errors are reported to the
// client; only broker and socket failures are returned.
func (s *Session) handle(ctx context.Context, data []byte) error {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return s.reject("invalid JSON")
	}
	if err := s.validate.Struct(f); err != nil {
		return s.reject(describe(err))
	}

	switch f.Type {
	case FrameSubscribe:
		return s.subscribe(ctx, f.Target)
	case FrameAuth:
		return s.auth(ctx, f.Token)
	}
	return nil
}

// subscribe moves the session to symbol. The unbind and bind are two broker
// calls, so messages published in between may be missed; the feed is best
// effort.
func (s *Session) subscribe(ctx context.Context, symbol string) error {
	if symbol == s.symbol {
		return nil
	}
	if s.symbol != "" {
		if err := s.queue.Unbind(ctx, pubsub.BroadcastTopic(s.symbol)); err != nil {
			return fmt.Errorf("failed to unbind %s: %w", s.symbol, err)
		}
		s.symbol = ""
	}
	if err := s.queue.Bind(ctx, pubsub.BroadcastTopic(symbol)); err != nil {
		return fmt.Errorf("failed to bind %s: %w", symbol, err)
	}
	s.symbol = symbol
	s.logger.Debug("Subscribed", zap.String("symbol", symbol))
	return nil
}

func (s *Session) auth(ctx context.Context, token string) error {
	if bearer, ok := identity.BearerToken(token); ok {
		token = bearer
	}
	userID, err := s.resolver.Resolve(ctx, token)
	if err != nil {
		s.logger.Debug("Authentication failed", zap.Error(err))
		return s.reject("authentication failed")
	}
	if s.userID != "" {
		if s.userID != userID {
			return s.reject(errDifferentUser.Error())
		}
		return nil
	}
	if err := s.queue.Bind(ctx, pubsub.PrivateTopic(userID)); err != nil {
		return fmt.Errorf("failed to bind user %s: %w", userID, err)
	}
	s.userID = userID
	s.logger.Debug("Authenticated", zap.String("user_id", userID))
	return nil
}

func (s *Session) relayLoop(ctx context.Context) error {
	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return err
			}
		case m, ok := <-s.queue.Messages():
			if !ok {
				return pubsub.ErrClosed
			}
			if err := s.write(websocket.TextMessage, m.Payload); err != nil {
				return err
			}
			metrics.GatewayMessagesSent.Inc()
		}
	}
}

func (s *Session) reject(msg string) error {
	metrics.GatewayProtocolErrors.Inc()
	payload, err := json.Marshal(ErrorFrame{Error: msg})
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, payload)
}

// write serializes frames from both loops onto the socket
func (s *Session) write(messageType int, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(messageType, payload)
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "oneof":
		return fmt.Sprintf("unknown type %q", fe.Value())
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	default:
		return fmt.Sprintf("%s is required for this type", fe.Field())
	}
}
