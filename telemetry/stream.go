package telemetry

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"
)

const writeWait = time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Stream serves readouts to websocket clients. It is an http.Handler.
type Stream struct {
	logger    logging.Logger
	broadcast chan []byte

	clientsMutex sync.Mutex
	clients      map[*websocket.Conn]bool

	server                  *http.Server
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
	dropped                 int
}

// NewStream starts the broadcast loop. Call Close to stop it.
func NewStream(logger logging.Logger) *Stream {
	cancelCtx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		logger:    logger,
		broadcast: make(chan []byte, 8),
		clients:   map[*websocket.Conn]bool{},
		cancel:    cancel,
	}
	s.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		s.handleMessages(cancelCtx)
	}, s.activeBackgroundWorkers.Done)
	return s
}

// ListenAndServe binds addr and serves the stream at path in the background.
// Bind errors are returned.
func (s *Stream) ListenAndServe(addr, path string) error {
	if s.server != nil {
		return errors.New("stream already serving")
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle(path, s)
	s.server = &http.Server{Addr: listener.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	s.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("telemetry stream server stopped", "addr", listener.Addr(), "error", err)
		}
	}, s.activeBackgroundWorkers.Done)
	return nil
}

// Addr returns the address being served, or "" before ListenAndServe.
func (s *Stream) Addr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr
}

// ServeHTTP upgrades the connection and keeps it registered until the client
// goes away.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	s.clientsMutex.Lock()
	s.clients[ws] = true
	s.clientsMutex.Unlock()

	for {
		// clients never send anything; reading detects the close
		if _, _, err := ws.ReadMessage(); err != nil {
			s.clientsMutex.Lock()
			delete(s.clients, ws)
			s.clientsMutex.Unlock()
			return
		}
	}
}

// Publish implements Publisher. Messages are dropped when clients fall behind.
func (s *Stream) Publish(values map[string]interface{}) {
	msg, err := json.Marshal(values)
	if err != nil {
		s.logger.Debugw("cannot marshal telemetry", "error", err)
		return
	}
	select {
	case s.broadcast <- msg:
	default:
		s.clientsMutex.Lock()
		s.dropped++
		s.clientsMutex.Unlock()
	}
}

// Clients returns the number of connected clients.
func (s *Stream) Clients() int {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	return len(s.clients)
}

func (s *Stream) handleMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.broadcast:
			s.clientsMutex.Lock()
			for client := range s.clients {
				err := client.SetWriteDeadline(time.Now().Add(writeWait))
				if err == nil {
					err = client.WriteMessage(websocket.TextMessage, msg)
				}
				if err != nil {
					s.logger.Debugw("dropping telemetry client", "error", err)
					client.Close()
					delete(s.clients, client)
				}
			}
			s.clientsMutex.Unlock()
		}
	}
}

// Close stops the server and disconnects every client.
func (s *Stream) Close(ctx context.Context) error {
	s.cancel()
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.clientsMutex.Lock()
	for client := range s.clients {
		client.Close()
		delete(s.clients, client)
	}
	s.clientsMutex.Unlock()
	s.activeBackgroundWorkers.Wait()
	return err
}
