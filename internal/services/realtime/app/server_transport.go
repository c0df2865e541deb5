package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
	"golang.org/x/text/language"

	apperrors "github.com/ralph0830/trpg/internal/platform/errors"
	"github.com/ralph0830/trpg/internal/platform/i18n"
	"github.com/ralph0830/trpg/internal/platform/timeouts"
	"github.com/ralph0830/trpg/internal/services/realtime/coordinator"
	"github.com/ralph0830/trpg/internal/services/realtime/storage"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFrameBytes          = maxFramePayloadBytes + 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
	outboundQueueSize      = 64
)

// Inbound frame types.
const (
	frameJoinSession   = "joinSession"
	frameChatMessage   = "chatMessage"
	frameMoveCharacter = "moveCharacter"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type chatPayload struct {
	Message string `json:"message"`
}

type movePayload struct {
	X *int `json:"x"`
	Y *int `json:"y"`
}

func invalidFrame(reason string) error {
	return apperrors.WithMetadata(apperrors.CodeValidationFailed, reason, map[string]string{"reason": reason})
}

// wsPeer queues outbound frames for one connection. A single writer
// goroutine drains the queue so the coordinator never waits on a socket.
type wsPeer struct {
	id       string
	tag      language.Tag
	conn     *websocket.Conn
	logger   *zap.Logger
	outbound chan wsFrame
	done     chan struct{}
	stopOnce sync.Once
}

func newWSPeer(id string, tag language.Tag, conn *websocket.Conn, logger *zap.Logger) *wsPeer {
	return &wsPeer{
		id:       id,
		tag:      tag,
		conn:     conn,
		logger:   logger,
		outbound: make(chan wsFrame, outboundQueueSize),
		done:     make(chan struct{}),
	}
}

func (p *wsPeer) ID() string { return p.id }

// Deliver implements coordinator.Peer.
func (p *wsPeer) Deliver(msg coordinator.Message) bool {
	payload := msg.Payload
	if err, ok := payload.(error); ok {
		payload = p.errorPayload(err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("encode outbound payload", zap.String("event", msg.Event), zap.Error(err))
		return false
	}
	return p.enqueue(wsFrame{Type: msg.Event, Payload: raw})
}

func (p *wsPeer) errorPayload(err error) wsError {
	return wsError{
		Code:    string(apperrors.CodeOf(err)),
		Message: apperrors.Localize(p.tag, err),
	}
}

func (p *wsPeer) sendError(requestID string, err error) {
	raw, _ := json.Marshal(p.errorPayload(err))
	if !p.enqueue(wsFrame{Type: coordinator.EventError, RequestID: requestID, Payload: raw}) {
		p.logger.Warn("error frame dropped", zap.String("connection_id", p.id), zap.Error(err))
	}
}

func (p *wsPeer) enqueue(frame wsFrame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.outbound <- frame:
		return true
	default:
		return false
	}
}

func (p *wsPeer) stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

// writeLoop sends queued frames until stop, then flushes what is left.
func (p *wsPeer) writeLoop() {
	for {
		select {
		case frame := <-p.outbound:
			if !p.write(frame) {
				return
			}
		case <-p.done:
			for {
				select {
				case frame := <-p.outbound:
					if !p.write(frame) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (p *wsPeer) write(frame wsFrame) bool {
	_ = p.conn.SetWriteDeadline(time.Now().Add(timeouts.WebSocketWrite))
	if err := websocket.JSON.Send(p.conn, frame); err != nil {
		p.logger.Debug("websocket write", zap.String("connection_id", p.id), zap.Error(err))
		p.stop()
		_ = p.conn.Close()
		return false
	}
	return true
}

func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	websocket.Handler(h.handleWSConn).ServeHTTP(w, r)
}

func (h *handler) handleWSConn(conn *websocket.Conn) {
	conn.MaxPayloadBytes = maxFrameBytes
	request := conn.Request()
	tag := i18n.DefaultTag()
	if request != nil {
		tag = i18n.ResolveTag(request)
	}

	peer := newWSPeer(uuid.NewString(), tag, conn, h.logger)
	logger := h.logger.With(zap.String("connection_id", peer.id))
	if err := h.coordinator.Connect(peer); err != nil {
		logger.Error("register connection", zap.Error(err))
		_ = conn.Close()
		return
	}
	logger.Debug("connection opened", zap.String("lang", tag.String()))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		peer.writeLoop()
	}()
	defer func() {
		if err := h.coordinator.Disconnect(context.Background(), peer.id); err != nil {
			logger.Warn("disconnect", zap.Error(err))
		}
		peer.stop()
		<-writerDone
		_ = conn.Close()
		logger.Debug("connection closed")
	}()

	ctx := context.Background()
	if request != nil {
		ctx = request.Context()
	}

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				decodeErrors++
				peer.sendError("", invalidFrame("frame too large"))
				if decodeErrors >= maxDecodeErrorsPerConn {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) {
				logger.Debug("websocket read", zap.Error(err))
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			decodeErrors++
			peer.sendError("", invalidFrame("invalid frame"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			peer.sendError(frame.RequestID, invalidFrame("payload too large"))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			peer.sendError(frame.RequestID, invalidFrame("rate limit exceeded"))
			return
		}

		if err := h.dispatch(ctx, peer.id, frame); err != nil {
			peer.sendError(frame.RequestID, err)
		}
	}
}

func (h *handler) dispatch(ctx context.Context, connID string, frame wsFrame) error {
	switch frame.Type {
	case frameJoinSession:
		var req coordinator.JoinRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return invalidFrame("invalid join payload")
		}
		_, err := h.coordinator.Join(ctx, connID, req)
		return err
	case frameChatMessage:
		var payload chatPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return invalidFrame("invalid chat payload")
		}
		_, err := h.coordinator.Chat(ctx, connID, payload.Message)
		return err
	case frameMoveCharacter:
		// Moves from a connection outside any session are dropped unread.
		if _, ok := h.coordinator.Binding(connID); !ok {
			return nil
		}
		var payload movePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return invalidFrame("invalid move payload")
		}
		if payload.X == nil || payload.Y == nil {
			return invalidFrame("x and y are required")
		}
		return h.coordinator.Move(ctx, connID, storage.Position{X: *payload.X, Y: *payload.Y})
	default:
		return invalidFrame("unsupported frame type")
	}
}
