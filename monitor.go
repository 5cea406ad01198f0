package pomegranate

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// connTag travels in each connection's context so the wire handler can
// associate the connection with the master speaking over it. The server
// uses it to turn a closed connection into a master death.
type connTag struct {
	mu   sync.Mutex
	nick string
}

func (t *connTag) set(nick string) {
	t.mu.Lock()
	t.nick = nick
	t.mu.Unlock()
}

func (t *connTag) get() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nick
}

type connTagKey struct{}

// Server exposes the Coordinator over HTTP: the JSON wire protocol on POST
// and the monitor surface on GET.
type Server struct {
	co   *Coordinator
	srv  *http.Server
	tmpl *template.Template

	tagsMu   sync.Mutex
	connTags map[net.Conn]*connTag
}

// NewServer wires a Coordinator to its HTTP front end.
func NewServer(co *Coordinator) *Server {
	s := &Server{
		co:       co,
		tmpl:     template.Must(template.New("index").Parse(dashboardHTML)),
		connTags: make(map[net.Conn]*connTag),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleWire).Methods(http.MethodPost)
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/favicon.ico", s.handleFavicon).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(co.registry, promhttp.HandlerOpts{})).
		Methods(http.MethodGet)

	s.srv = &http.Server{
		Handler: r,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			tag := &connTag{}
			s.tagsMu.Lock()
			s.connTags[c] = tag
			s.tagsMu.Unlock()
			return context.WithValue(ctx, connTagKey{}, tag)
		},
		ConnState: func(c net.Conn, state http.ConnState) {
			if state != http.StateClosed && state != http.StateHijacked {
				return
			}
			s.tagsMu.Lock()
			tag := s.connTags[c]
			delete(s.connTags, c)
			s.tagsMu.Unlock()

			if tag != nil {
				if nick := tag.get(); nick != "" {
					s.co.onMasterDied(nick)
				}
			}
		},
	}
	return s
}

// Run starts the heartbeat loop and serves until the listener fails.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.co.conf.MasterHost, s.co.conf.MasterPort)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve runs the server over an existing listener.
func (s *Server) Serve(l net.Listener) error {
	go s.co.heartbeatLoop()
	s.co.log.WithField("addr", l.Addr().String()).Info("server started")
	return s.srv.Serve(l)
}

// Close stops the server and the Coordinator.
func (s *Server) Close() error {
	s.co.Stop()
	return s.srv.Close()
}

// Handler returns the HTTP handler, for tests driving the server without a
// socket.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// tagConn stamps the request's connection with the master nick so its
// disconnection can be detected.
func (s *Server) tagConn(r *http.Request, nick string) {
	if tag, ok := r.Context().Value(connTagKey{}).(*connTag); ok {
		tag.set(nick)
	}
}

// handleWire dispatches one wire message and writes exactly one reply. A
// successful ack carries no envelope and is answered with 204 No Content.
func (s *Server) handleWire(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.co.log.WithError(err).Error("malformed wire message")
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}

	var reply *Envelope
	switch env.Type {
	case TypeRegistration:
		reply = s.co.onRegistration(env.Nick)
		if reply.Type == TypeRegistrationOK {
			s.tagConn(r, env.Nick)
		}

	case TypeWorkRequest:
		s.tagConn(r, env.Nick)
		reply = s.co.onWorkRequest(env.Nick)

	case TypeMapAck:
		s.tagConn(r, env.Nick)
		var ack MapAck
		if err := env.Decode(&ack); err != nil {
			reply = mustEnvelope(TypeMapAckFail, env.Nick, nil)
			break
		}
		reply = s.co.onMapAck(env.Nick, ack)

	case TypeReduceAck:
		s.tagConn(r, env.Nick)
		var ack ReduceAck
		if err := env.Decode(&ack); err != nil {
			reply = mustEnvelope(TypeReduceAckFail, env.Nick, nil)
			break
		}
		reply = s.co.onReduceAck(env.Nick, ack)

	case TypeKeepAlive:
		s.tagConn(r, env.Nick)
		var probe KeepAlive
		if err := env.Decode(&probe); err != nil {
			http.Error(w, "malformed keep-alive", http.StatusBadRequest)
			return
		}
		reply = s.co.onKeepAlive(env.Nick, probe)

	case TypeChangeDegreeAck:
		s.tagConn(r, env.Nick)
		var total int
		if err := env.Decode(&total); err != nil {
			http.Error(w, "malformed change-degree-ack", http.StatusBadRequest)
			return
		}
		reply = s.co.onChangeDegreeAck(env.Nick, total)

	case TypeChangeDegree:
		// Operator request; the connection is not a master's.
		var delta int
		if err := env.Decode(&delta); err != nil {
			http.Error(w, "malformed change-degree", http.StatusBadRequest)
			return
		}
		reply = s.co.onChangeDegree(env.Nick, delta)

	default:
		s.co.log.WithField("type", env.Type).Error("no handler for message type")
		http.Error(w, "unknown message type", http.StatusBadRequest)
		return
	}

	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		s.co.log.WithError(err).Error("failed to write reply")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.co.status.Snapshot()); err != nil {
		s.co.log.WithError(err).Error("failed to serialize status")
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.Execute(w, s.co.status.Snapshot()); err != nil {
		s.co.log.WithError(err).Error("failed to render dashboard")
	}
}

func (s *Server) handleFavicon(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "image/x-icon")
	w.Write(faviconICO)
}

// faviconICO is a fixed 1x1 pomegranate-red icon.
var faviconICO = []byte{
	0x00, 0x00, 0x01, 0x00, 0x01, 0x00, // ICONDIR
	0x01, 0x01, 0x00, 0x00, 0x01, 0x00, 0x20, 0x00, // entry: 1x1, 32bpp
	0x30, 0x00, 0x00, 0x00, 0x16, 0x00, 0x00, 0x00, // 48 bytes at offset 22
	0x28, 0x00, 0x00, 0x00, // BITMAPINFOHEADER size
	0x01, 0x00, 0x00, 0x00, // width 1
	0x02, 0x00, 0x00, 0x00, // height 2 (XOR + AND)
	0x01, 0x00, 0x20, 0x00, // planes, 32bpp
	0x00, 0x00, 0x00, 0x00, // no compression
	0x08, 0x00, 0x00, 0x00, // image size
	0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
	0x2b, 0x2b, 0xc8, 0xff, // BGRA pixel
	0x00, 0x00, 0x00, 0x00, // AND mask
}

const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
<title>Pomegranate</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; margin-bottom: 1.5em; }
th, td { border: 1px solid #ccc; padding: 4px 10px; text-align: left; }
th { background: #f4f4f4; }
.dead { color: #c82b2b; }
.online { color: #2b8a2b; }
pre { background: #f8f8f8; padding: 1em; max-height: 18em; overflow: auto; }
</style>
</head>
<body>
<h1>Pomegranate &mdash; run {{.RunID}}</h1>
<table>
<tr><th>Elapsed</th><th>Phase</th><th>Maps (a/c/f)</th><th>Reduces (a/c/f)</th><th>Faults</th></tr>
<tr>
<td>{{.Elapsed}}</td>
<td>{{.Phase}}</td>
<td>{{.MapAssigned}}/{{.MapCompleted}}/{{.MapFaulted}}</td>
<td>{{.ReduceAssigned}}/{{.ReduceCompleted}}/{{.ReduceFaulted}}</td>
<td>{{.Faults}}</td>
</tr>
</table>
<table>
<tr><th>Master</th><th>RTT</th><th>MB/s</th><th>Procs</th><th>Finished</th><th>Ongoing</th><th>Files</th><th>Status</th></tr>
{{range .Masters}}
<tr>
<td>{{.Nick}}</td>
<td>{{printf "%.4f" .RTT}}</td>
<td>{{printf "%.2f" .Avg}}</td>
<td>{{.Proc}}</td>
<td>{{.Finished}}</td>
<td>{{.Ongoing}}</td>
<td>{{.Files}}</td>
<td class="{{.State}}">{{.State}}</td>
</tr>
{{end}}
</table>
<h2>Last messages</h2>
<pre>{{range .LastLog}}{{.}}
{{end}}</pre>
</body>
</html>
`
