package relay

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errStreamClosed = errors.New("websocket stream closed")

const defaultWSWriteTimeout = 15 * time.Second

// WSStream exposes the data frames of a websocket connection as a byte
// stream. Writes are sent as binary messages; text and binary messages are
// both read. One reader and any number of writers may use it concurrently.
type WSStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	reader io.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSStream wraps conn. writeTimeout bounds each frame write; zero uses a
// default.
func NewWSStream(conn *websocket.Conn, writeTimeout time.Duration) *WSStream {
	if writeTimeout <= 0 {
		writeTimeout = defaultWSWriteTimeout
	}
	return &WSStream{conn: conn, writeTimeout: writeTimeout, closed: make(chan struct{})}
}

func (s *WSStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			mt, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				select {
				case <-s.closed:
					return 0, errStreamClosed
				default:
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
				continue
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *WSStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return 0, errStreamClosed
	default:
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return 0, err
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal close frame and closes the underlying connection.
// It is safe to call more than once.
func (s *WSStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		// WriteControl and Close may run concurrently with a pending Write.
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
