package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	iface "AssistVisionServer/interface"
	"AssistVisionServer/logger"
	"AssistVisionServer/ocr"
	"AssistVisionServer/pipeline"
	"AssistVisionServer/registry"
	"AssistVisionServer/speech"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

type server struct {
	reg         *registry.Registry
	synth       speech.Synthesizer
	ocrPipe     *ocr.Pipeline
	idleTimeout time.Duration

	sessionMu sync.RWMutex
	sessions  map[string]*session
	upgrader  websocket.Upgrader
}

// session is one live video connection, the scope of the suppression state
// carried by its frame processor. conn and lastActive are guarded by
// activeMu; the connection is set once per session, by the first upgrade.
type session struct {
	id          string
	env         registry.Environment
	proc        *pipeline.FrameProcessor
	conn        *websocket.Conn
	writeMu     sync.Mutex
	activeMu    sync.Mutex
	lastActive  time.Time
	closeOnce   sync.Once
	cancelTimer chan struct{}
	cancelOnce  sync.Once
}

func (s *session) touch() {
	s.activeMu.Lock()
	s.lastActive = time.Now()
	s.activeMu.Unlock()
}

func (s *session) idleFor() time.Duration {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return time.Since(s.lastActive)
}

// setConn binds the upgraded connection; it fails when the session is
// already streaming.
func (s *session) setConn(conn *websocket.Conn) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if s.conn != nil {
		return false
	}
	s.conn = conn
	return true
}

func (s *session) getConn() *websocket.Conn {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.conn
}

// writeJSON serializes websocket writes: the frame loop and the speech
// goroutine both push messages down the same connection.
func (s *session) writeJSON(v any) error {
	conn := s.getConn()
	if conn == nil {
		return errors.New("no active connection")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// Play implements pipeline.AudioSink: synthesized audio goes straight to the
// browser for autoplay. Overlap with earlier audio is the client's problem.
func (s *session) Play(audio speech.Audio) {
	if s.getConn() == nil {
		return
	}
	msg := speechMessage{
		Type:   "speech",
		Audio:  base64.StdEncoding.EncodeToString(audio.Bytes),
		Format: audio.Format,
	}
	if err := s.writeJSON(msg); err != nil {
		logger.Log().Warn("failed to deliver speech audio", zap.String("session", s.id), zap.Error(err))
	}
}

type controlMessage struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type frameReply struct {
	Type       string            `json:"type"`
	Frame      string            `json:"frame"`
	Detections []iface.Detection `json:"detections"`
	Sentence   string            `json:"sentence"`
}

type speechMessage struct {
	Type   string `json:"type"`
	Audio  string `json:"audio"`
	Format string `json:"format"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func newServer(reg *registry.Registry, synth speech.Synthesizer, ocrLang string, idleTimeout time.Duration) *server {
	return &server{
		reg:         reg,
		synth:       synth,
		ocrPipe:     &ocr.Pipeline{Engine: &ocr.Tesseract{Language: ocrLang}},
		idleTimeout: idleTimeout,
		sessions:    map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (sv *server) allocSession(env registry.Environment) (*session, error) {
	backend, labels, err := sv.reg.Select(env)
	if err != nil {
		return nil, err
	}
	sess := &session{
		id:          uuid.New().String(),
		env:         env,
		lastActive:  time.Now(),
		cancelTimer: make(chan struct{}),
	}
	sess.proc = pipeline.New(backend, labels, sv.synth, sess)

	sv.sessionMu.Lock()
	sv.sessions[sess.id] = sess
	sv.sessionMu.Unlock()
	return sess, nil
}

func (sv *server) releaseSession(sessionID string) bool {
	sv.sessionMu.Lock()
	sess, ok := sv.sessions[sessionID]
	if ok {
		delete(sv.sessions, sessionID)
	}
	sv.sessionMu.Unlock()
	if !ok {
		return false
	}

	sess.closeOnce.Do(func() {
		if conn := sess.getConn(); conn != nil {
			// WriteControl is safe alongside an in-flight writeJSON;
			// a plain write here would collide with it.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session released"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
	})
	sess.cancelOnce.Do(func() {
		close(sess.cancelTimer)
	})
	return true
}

func (sv *server) startIdleMonitor(sess *session) {
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-sess.cancelTimer:
				return
			case <-ticker.C:
				if sess.idleFor() > sv.idleTimeout {
					sv.releaseSession(sess.id)
					logger.Log().Info("session idle timeout", zap.String("session", sess.id))
					return
				}
			}
		}
	}()
}

// Base64ToMat converts a base64 string (optionally with a data:image/...
// prefix) to a BGR gocv.Mat.
func Base64ToMat(b64 string) (gocv.Mat, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return gocv.NewMat(), err
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), err
	}
	if mat.Empty() {
		_ = mat.Close()
		return gocv.NewMat(), errors.New("decoded image is empty or unsupported format")
	}
	return mat, nil
}

func matToBase64JPEG(mat gocv.Mat) (string, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return "", err
	}
	defer buf.Close()
	return base64.StdEncoding.EncodeToString(buf.GetBytes()), nil
}

func (sv *server) routes() *gin.Engine {
	r := gin.Default()
	r.StaticFile("/", "./web/index.html")
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.POST("/api/sessions/alloc", sv.handleAlloc)
	r.POST("/api/sessions/:sessionID/release", sv.handleRelease)
	r.GET("/ws/:sessionID", sv.handleStream)
	r.POST("/api/ocr", sv.handleOCR)
	return r
}

func (sv *server) handleAlloc(c *gin.Context) {
	env := registry.Indoor
	if v := c.Query("env"); v != "" {
		parsed, err := registry.ParseEnvironment(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		env = parsed
	}
	sess, err := sv.allocSession(env)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionID": sess.id,
		"env":       string(sess.env),
		"wsURL":     fmt.Sprintf("ws://%s/ws/%s", c.Request.Host, sess.id),
		"timeoutMs": sv.idleTimeout.Milliseconds(),
	})
}

func (sv *server) handleRelease(c *gin.Context) {
	sessionID := c.Param("sessionID")
	if !sv.releaseSession(sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": "Session released"})
}

func (sv *server) handleStream(c *gin.Context) {
	sessionID := c.Param("sessionID")
	sv.sessionMu.RLock()
	sess, exists := sv.sessions[sessionID]
	sv.sessionMu.RUnlock()
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	if sess.getConn() != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Session already streaming"})
		return
	}

	conn, err := sv.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	if !sess.setConn(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session already streaming"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	conn.SetReadLimit(20 * 1024 * 1024)

	sv.startIdleMonitor(sess)
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			sv.releaseSession(sessionID)
			logger.Log().Info("connection closed", zap.String("session", sessionID), zap.Error(err))
			return
		}
		sess.touch()
		if mt != websocket.TextMessage {
			_ = sess.writeJSON(errorMessage{Type: "error", Error: "unsupported message type"})
			continue
		}
		if len(msg) > 0 && msg[0] == '{' {
			sv.handleControl(sess, msg)
			continue
		}
		sv.handleFrame(sess, string(msg))
	}
}

func (sv *server) handleControl(sess *session, msg []byte) {
	var ctl controlMessage
	if err := json.Unmarshal(msg, &ctl); err != nil {
		_ = sess.writeJSON(errorMessage{Type: "error", Error: fmt.Sprintf("invalid control message: %v", err)})
		return
	}
	switch ctl.Type {
	case "env":
		env, err := registry.ParseEnvironment(ctl.Value)
		if err != nil {
			_ = sess.writeJSON(errorMessage{Type: "error", Error: err.Error()})
			return
		}
		backend, labels, err := sv.reg.Select(env)
		if err != nil {
			_ = sess.writeJSON(errorMessage{Type: "error", Error: err.Error()})
			return
		}
		sess.env = env
		sess.proc.SetModel(backend, labels)
		logger.Log().Info("environment switched", zap.String("session", sess.id), zap.String("env", string(env)))
	default:
		_ = sess.writeJSON(errorMessage{Type: "error", Error: fmt.Sprintf("unknown control type %q", ctl.Type)})
	}
}

func (sv *server) handleFrame(sess *session, b64 string) {
	mat, err := Base64ToMat(b64)
	if err != nil {
		_ = sess.writeJSON(errorMessage{Type: "error", Error: fmt.Sprintf("invalid image: %v", err)})
		return
	}
	defer mat.Close()

	res, err := sess.proc.Process(&mat)
	if err != nil {
		_ = sess.writeJSON(errorMessage{Type: "error", Error: fmt.Sprintf("inference error: %v", err)})
		return
	}

	annotated, err := matToBase64JPEG(mat)
	if err != nil {
		_ = sess.writeJSON(errorMessage{Type: "error", Error: fmt.Sprintf("encode error: %v", err)})
		return
	}
	dets := res.Detections
	if dets == nil {
		dets = []iface.Detection{}
	}
	_ = sess.writeJSON(frameReply{
		Type:       "frame",
		Frame:      annotated,
		Detections: dets,
		Sentence:   res.Sentence,
	})
}

func (sv *server) handleOCR(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil || mat.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported image"})
		return
	}
	defer mat.Close()

	res, err := sv.ocrPipe.Run(mat)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !res.Found {
		c.JSON(http.StatusOK, gin.H{"found": false, "text": ""})
		return
	}

	audio, err := sv.synth.Synthesize(c.Request.Context(), res.Text)
	if err != nil {
		// Text extraction succeeded; report it even when speech is down.
		logger.Log().Error("ocr speech synthesis failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"found": true, "text": res.Text})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"found":       true,
		"text":        res.Text,
		"audio":       base64.StdEncoding.EncodeToString(audio.Bytes),
		"audioFormat": audio.Format,
	})
}
