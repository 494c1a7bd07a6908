package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vanpelt/shellhost/internal/logger"
	"github.com/vanpelt/shellhost/internal/manager"
	"github.com/vanpelt/shellhost/internal/recovery"
	"github.com/vanpelt/shellhost/internal/session"
)

// closeDrainTimeout bounds how long queued output is flushed to a client
// after its session ends.
const closeDrainTimeout = 2 * time.Second

// promptSubmitDelay lets a TUI process pasted prompt text before Enter.
const promptSubmitDelay = 100 * time.Millisecond

// wsConn is the part of *websocket.Conn the attach loop uses.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// AttachHandler streams live sessions over WebSocket.
type AttachHandler struct {
	manager *manager.Manager
	log     zerolog.Logger
}

// NewAttachHandler creates a new attach handler
func NewAttachHandler(m *manager.Manager) *AttachHandler {
	return &AttachHandler{
		manager: m,
		log:     logger.For("attach"),
	}
}

// RegisterRoutes registers the attach route
func (h *AttachHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Get("/sessions/:id/attach", h.HandleWebSocket)
}

// HandleWebSocket attaches to a live session
// @Summary Attach to session
// @Description Establishes a WebSocket connection to a live session's terminal
// @Tags sessions
// @Param id path string true "Session id or alias"
// @Success 101 {string} string "Switching Protocols"
// @Failure 404 {object} map[string]string
// @Router /v1/sessions/{id}/attach [get]
func (h *AttachHandler) HandleWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	s, err := h.manager.GetSession(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	loadHistory := true
	if tpl, ok := h.manager.Template(s.ID()); ok {
		loadHistory = tpl.ShouldLoadHistory()
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.serve(conn, s, loadHistory)
	})(c)
}

// serve runs one client connection until either side goes away.
func (h *AttachHandler) serve(conn wsConn, s *session.Session, loadHistory bool) {
	client := newWSClient(uuid.NewString(), conn, s)
	log := h.log.With().Str("session_id", s.ID()).Str("client_id", client.id).Logger()

	readOnly, err := s.Attach(client)
	if err != nil {
		log.Warn().Err(err).Msg("❌ Attach refused")
		client.writeJSON(ErrorMsg{Type: MsgTypeError, Error: err.Error()})
		client.shutdown()
		return
	}
	defer func() {
		s.DetachClient(client.id)
		client.shutdown()
	}()

	client.writeJSON(ReadOnlyMsg{Type: MsgTypeReadOnly, Data: readOnly})
	log.Info().Bool("read_only", readOnly).Msg("📡 Client connected")

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("🔌 WebSocket read ended")
			return
		}

		if messageType == websocket.TextMessage && h.handleControl(s, client, data, loadHistory) {
			continue
		}

		if _, err := s.WriteFrom(client.id, data); err != nil {
			switch {
			case errors.Is(err, session.ErrReadOnlyClient):
				log.Debug().Msg("🚫 Ignoring input from read-only client")
			case errors.Is(err, session.ErrSessionTerminated):
				return
			default:
				log.Warn().Err(err).Msg("❌ Session write error")
			}
		}
	}
}

// handleControl consumes JSON control frames. It reports false for text
// that should be treated as keyboard input.
func (h *AttachHandler) handleControl(s *session.Session, client *wsClient, data []byte, loadHistory bool) bool {
	var msg ControlMsg
	if err := json.Unmarshal(data, &msg); err == nil && msg.Type != "" {
		switch msg.Type {
		case MsgTypeReady:
			h.replay(s, client, msg.Cursor, loadHistory)
			return true
		case MsgTypePrompt:
			h.prompt(s, client, msg)
			return true
		case MsgTypeResize:
			var size ResizeMsg
			if err := json.Unmarshal(data, &size); err == nil {
				h.resize(s, client, size)
			}
			return true
		}
	}

	var size ResizeMsg
	if err := json.Unmarshal(data, &size); err == nil && size.Cols > 0 && size.Rows > 0 {
		h.resize(s, client, size)
		return true
	}
	return false
}

// replay sends retained output from cursor, then switches the client to
// live delivery. Output produced meanwhile is queued by the session and
// delivered after the replay, in order. A connection never receives the
// same offset twice: a repeated "ready" starts no earlier than what was
// already written to it.
func (h *AttachHandler) replay(s *session.Session, client *wsClient, cursor *uint64, loadHistory bool) {
	client.live.Store(false)
	client.queue.Reset()

	from := uint64(0)
	if cursor != nil {
		from = *cursor
	}
	if client.replayed.Load() {
		if sent := client.sent.Load(); from < sent {
			from = sent
		}
	}
	if !loadHistory {
		from = math.MaxUint64
	}

	history, resume, err := s.MarkClientLoadingHistory(client.id, from)
	if err != nil {
		client.writeJSON(ErrorMsg{Type: MsgTypeError, Error: err.Error()})
		return
	}

	if len(history) > 0 {
		info := s.Info()
		client.writeJSON(BufferSizeMsg{Type: MsgTypeBufferSize, Cols: info.Cols, Rows: info.Rows})
		h.log.Debug().Str("client_id", client.id).Int("bytes", len(history)).Msg("📋 Replaying buffered output")
		if err := client.write(websocket.BinaryMessage, history); err != nil {
			h.log.Warn().Err(err).Str("client_id", client.id).Msg("❌ Failed to replay buffer")
		}
	}
	client.sent.Store(resume)
	client.writeJSON(BufferCompleteMsg{Type: MsgTypeBufferComplete, Cursor: resume})

	client.replayed.Store(true)
	client.live.Store(true)
	if n, err := s.ResumeClient(client.id); err != nil {
		h.log.Warn().Err(err).Str("client_id", client.id).Msg("❌ Failed to resume client")
	} else if n > 0 {
		h.log.Debug().Str("client_id", client.id).Int("chunks", n).Msg("📤 Flushed output queued during replay")
	}
}

func (h *AttachHandler) prompt(s *session.Session, client *wsClient, msg ControlMsg) {
	if msg.Data == "" {
		return
	}
	if _, err := s.WriteFrom(client.id, []byte(msg.Data)); err != nil {
		h.log.Debug().Err(err).Str("client_id", client.id).Msg("prompt rejected")
		return
	}
	if msg.Submit {
		recovery.SafeGo("prompt-submit", func() {
			time.Sleep(promptSubmitDelay)
			if _, err := s.WriteFrom(client.id, []byte("\r")); err != nil {
				h.log.Debug().Err(err).Msg("prompt submit rejected")
			}
		})
	}
}

func (h *AttachHandler) resize(s *session.Session, client *wsClient, size ResizeMsg) {
	if s.IsReadOnly(client.id) {
		return
	}
	if err := s.Resize(size.Cols, size.Rows); err != nil {
		client.writeJSON(ErrorMsg{Type: MsgTypeError, Error: err.Error()})
		return
	}
	h.log.Debug().Uint16("cols", size.Cols).Uint16("rows", size.Rows).Msg("📐 Resized session")
}

// wsClient is a session.Client writing to one WebSocket connection. Live
// output goes through a bounded queue; control frames and the replay are
// written directly. Every write holds writeMu.
type wsClient struct {
	id      string
	conn    wsConn
	session *session.Session
	queue   *session.QueuedClient
	writeMu sync.Mutex

	// live is false while a replay is in progress; output the session
	// sends meanwhile is already part of that replay.
	live     atomic.Bool
	replayed atomic.Bool
	// sent is the offset just past the last byte written to the connection.
	sent      atomic.Uint64
	closeOnce sync.Once
}

func newWSClient(id string, conn wsConn, s *session.Session) *wsClient {
	c := &wsClient{id: id, conn: conn, session: s}
	c.queue = session.NewQueuedClient(id, 0, func(chunk []byte) error {
		if err := c.write(websocket.BinaryMessage, chunk); err != nil {
			return err
		}
		c.sent.Add(uint64(len(chunk)))
		return nil
	})
	return c
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Send(chunk []byte) error {
	if !c.live.Load() {
		return nil
	}
	return c.queue.Send(chunk)
}

// Close is called by the session when it ends or drops the client. The
// queue is drained before the connection is closed.
func (c *wsClient) Close() error {
	_ = c.queue.Close()
	c.closeOnce.Do(func() {
		recovery.SafeGo("ws-close-"+c.id, func() {
			select {
			case <-c.queue.Done():
			case <-time.After(closeDrainTimeout):
			}
			info := c.session.Info()
			if info.State == session.StateTerminated {
				c.writeJSON(ExitMsg{Type: MsgTypeExit, Reason: info.TerminationReason})
			} else {
				c.writeJSON(ErrorMsg{Type: MsgTypeError, Error: session.ErrClientOverflow.Error()})
			}
			_ = c.conn.Close()
		})
	})
	return nil
}

func (c *wsClient) Promoted() {
	c.writeJSON(ReadOnlyMsg{Type: MsgTypeReadOnly, Data: false})
}

// shutdown closes the connection from the client side.
func (c *wsClient) shutdown() {
	_ = c.queue.Close()
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsClient) writeJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.write(websocket.TextMessage, data)
}
