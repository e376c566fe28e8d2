package notetree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/session"
	"github.com/surrealdb/notetree/pkg/syncengine"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	outboxSize  = 64
	maxFrameLen = 1 << 20
)

// Client operations accepted on /api/watch.
const (
	OpSelect    = "select"
	OpNavigate  = "navigate"
	OpSearch    = "search"
	OpSortMode  = "sortMode"
	OpCreate    = "create"
	OpCreatePg  = "createPage"
	OpRename    = "rename"
	OpDelete    = "delete"
	OpPin       = "pin"
	OpSetParent = "setParent"
	OpReorder   = "reorder"
)

// Server frame types.
const (
	FrameSelection = "selection"
	FrameSearch    = "search"
	FrameAck       = "ack"
)

// ClientFrame is one request from a watch client. Seq is echoed in the ack.
type ClientFrame struct {
	Seq          uint64       `json:"seq"`
	Op           string       `json:"op"`
	Level        string       `json:"level,omitempty"`
	ID           string       `json:"id,omitempty"`
	OwnerID      string       `json:"ownerId,omitempty"`
	Scope        models.Scope `json:"scope"`
	Name         string       `json:"name,omitempty"`
	ParentPageID *string      `json:"parentPageId,omitempty"`
	Pinned       bool         `json:"pinned,omitempty"`
	Query        string       `json:"query,omitempty"`
	SortMode     string       `json:"sortMode,omitempty"`
	IDs          []string     `json:"ids,omitempty"`
}

// ServerFrame is one message to a watch client.
type ServerFrame struct {
	Type  string `json:"type"`
	Seq   uint64 `json:"seq,omitempty"`
	Error string `json:"error,omitempty"`
	// Status mirrors the HTTP status the error would map to.
	Status int `json:"status,omitempty"`
	Data   any `json:"data,omitempty"`
}

// ViewFrame carries one level of the live tree.
type ViewFrame[T any] struct {
	Parent   models.Scope `json:"parent"`
	Items    []*T         `json:"items"`
	Watching bool         `json:"watching"`
	Loading  bool         `json:"loading"`
	Version  uint64       `json:"version"`
}

func viewFrame[T any](typ string, parent models.Scope, items []*T, watching, loading bool, version uint64) ServerFrame {
	if items == nil {
		items = []*T{}
	}
	return ServerFrame{Type: typ, Data: ViewFrame[T]{
		Parent:   parent,
		Items:    items,
		Watching: watching,
		Loading:  loading,
		Version:  version,
	}}
}

type frameCodec interface {
	messageType() int
	marshal(v any) ([]byte, error)
	unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) messageType() int                   { return websocket.TextMessage }
func (jsonCodec) marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct{}

func (cborCodec) messageType() int                   { return websocket.BinaryMessage }
func (cborCodec) marshal(v any) ([]byte, error)      { return cbor.Marshal(v) }
func (cborCodec) unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }

func codecFor(name string) (frameCodec, error) {
	switch name {
	case "", "json":
		return jsonCodec{}, nil
	case "cbor":
		return cborCodec{}, nil
	}
	return nil, fmt.Errorf("unknown encoding %q", name)
}

func (a *App) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range a.config.CORSOrigins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

// handleWatch upgrades to a websocket and runs one session for it. The
// client receives the selection, every live view and search results as
// they change; requests are acknowledged by seq.
func (a *App) handleWatch(w http.ResponseWriter, r *http.Request) {
	codec, err := codecFor(r.URL.Query().Get("encoding"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := principal(r)
	conn, err := a.upgrader().Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	l := a.logger.With().Str("principal", p.ID).Str("remote", r.RemoteAddr).Logger()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := session.New(p, a.repo, a.searcher, session.WithLogger(l), session.WithSortMode(a.config.SortMode))
	if err := sess.Start(ctx); err != nil {
		l.Error().Err(err).Msg("failed to start session")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"),
			time.Now().Add(writeWait))
		return
	}
	defer sess.Close()

	wc := &watchConn{
		conn:   conn,
		codec:  codec,
		sess:   sess,
		logger: l,
		out:    make(chan ServerFrame, outboxSize),
		in:     make(chan ClientFrame, outboxSize),
	}
	l.Debug().Msg("watch client connected")
	if err := wc.serve(ctx); err != nil && !isNormalClose(err) {
		l.Debug().Err(err).Msg("watch client disconnected")
	}
}

type watchConn struct {
	conn   *websocket.Conn
	codec  frameCodec
	sess   *session.Session
	logger zerolog.Logger
	out    chan ServerFrame
	in     chan ClientFrame
}

func (c *watchConn) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	c.subscribe(gctx)
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.handleLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		// Unblocks ReadMessage.
		_ = c.conn.SetReadDeadline(time.Now())
		return nil
	})
	return g.Wait()
}

// send queues f for the writer. It gives up when the connection ends.
func (c *watchConn) send(ctx context.Context, f ServerFrame) {
	select {
	case c.out <- f:
	case <-ctx.Done():
	}
}

func (c *watchConn) subscribe(ctx context.Context) {
	eng := c.sess.Engine()
	var cancels []func()
	cancels = append(cancels,
		c.sess.Selection().Subscribe(func(s models.Scope) {
			c.send(ctx, ServerFrame{Type: FrameSelection, Data: s})
		}),
		eng.OnWorkspaces(func(v syncengine.View[models.Workspace]) {
			c.send(ctx, viewFrame("workspaces", v.Parent, v.Items, v.Watching, v.Loading, v.Version))
		}),
		eng.OnNotebooks(func(v syncengine.View[models.Notebook]) {
			c.send(ctx, viewFrame("notebooks", v.Parent, v.Items, v.Watching, v.Loading, v.Version))
		}),
		eng.OnSections(func(v syncengine.View[models.Section]) {
			c.send(ctx, viewFrame("sections", v.Parent, v.Items, v.Watching, v.Loading, v.Version))
		}),
		eng.OnTopics(func(v syncengine.View[models.Topic]) {
			c.send(ctx, viewFrame("topics", v.Parent, v.Items, v.Watching, v.Loading, v.Version))
		}),
		eng.OnPages(func(v syncengine.View[models.Page]) {
			c.send(ctx, viewFrame("pages", v.Parent, v.Items, v.Watching, v.Loading, v.Version))
		}),
		c.sess.OnSearch(func(res session.SearchResult) {
			if res.Request == 0 {
				return
			}
			c.send(ctx, ServerFrame{Type: FrameSearch, Data: res})
		}),
	)
	context.AfterFunc(ctx, func() {
		for _, cancel := range cancels {
			cancel()
		}
	})
}

func (c *watchConn) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return nil
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case f := <-c.out:
			data, err := c.codec.marshal(f)
			if err != nil {
				c.logger.Error().Err(err).Str("type", f.Type).Msg("failed to encode frame")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.codec.messageType(), data); err != nil {
				return err
			}
		}
	}
}

func (c *watchConn) readLoop(ctx context.Context) error {
	c.conn.SetReadLimit(maxFrameLen)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var f ClientFrame
		if err := c.codec.unmarshal(data, &f); err != nil {
			c.send(ctx, ServerFrame{Type: FrameAck, Error: "malformed frame", Status: http.StatusBadRequest})
			continue
		}
		select {
		case c.in <- f:
		case <-ctx.Done():
			return nil
		}
	}
}

// handleLoop applies requests one at a time in the order they were read.
func (c *watchConn) handleLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-c.in:
			c.handle(ctx, f)
		}
	}
}

func (c *watchConn) handle(ctx context.Context, f ClientFrame) {
	data, err := c.dispatch(ctx, f)
	ack := ServerFrame{Type: FrameAck, Seq: f.Seq, Data: data}
	if err != nil {
		ack.Error = err.Error()
		ack.Status = statusFor(err)
		c.logger.Debug().Err(err).Str("op", f.Op).Uint64("seq", f.Seq).Msg("watch request failed")
	}
	c.send(ctx, ack)
}

func (c *watchConn) scope(s models.Scope) models.Scope {
	return withOwner(s, c.sess.Principal())
}

func (c *watchConn) dispatch(ctx context.Context, f ClientFrame) (any, error) {
	s := c.sess
	switch f.Op {
	case OpSelect:
		l, err := models.ParseLevel(f.Level)
		if err != nil {
			return nil, models.Invalid("select", "%v", err)
		}
		if l == models.LevelWorkspace && f.OwnerID != "" {
			return nil, s.SelectWorkspace(ctx, f.OwnerID, f.ID)
		}
		return nil, s.Select(ctx, l, f.ID)
	case OpNavigate:
		return nil, s.NavigateToPage(ctx, f.ID)
	case OpSearch:
		matches, applied, err := s.Search(ctx, f.Query)
		if err != nil {
			return nil, err
		}
		return map[string]any{"applied": applied, "count": len(matches)}, nil
	case OpSortMode:
		mode, err := syncengine.ParseSortMode(f.SortMode)
		if err != nil {
			return nil, models.Invalid("sort mode", "%v", err)
		}
		return nil, s.SetSortMode(mode)
	case OpCreate:
		parent := c.scope(f.Scope)
		if parent.Level() == models.LevelNone {
			return s.Repository().CreateWorkspace(ctx, s.Principal(), parent.OwnerID, f.Name, "")
		}
		return s.Create(ctx, parent, f.Name)
	case OpCreatePg:
		parent := ""
		if f.ParentPageID != nil {
			parent = *f.ParentPageID
		}
		return s.CreatePage(ctx, f.Name, parent)
	case OpRename:
		return nil, s.Rename(ctx, c.scope(f.Scope), f.Name)
	case OpDelete:
		return nil, s.Delete(ctx, c.scope(f.Scope))
	case OpPin:
		return nil, s.TogglePinned(ctx, c.scope(f.Scope), f.Pinned)
	case OpSetParent:
		return nil, s.SetPageParent(ctx, c.scope(f.Scope), f.ParentPageID)
	case OpReorder:
		return nil, s.Reorder(ctx, c.scope(f.Scope), f.IDs)
	}
	return nil, models.Invalid("watch", "unknown op %q", f.Op)
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, context.Canceled)
}
