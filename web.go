package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Server is the API front-end + Broadcast Sink, the two external
// collaborators spec.md §1 names by interface and SPEC_FULL builds.
// Grounded on the teacher's WebServer: gin.New() + Logger + Recovery + a
// JSON-producing recovery middleware scoped to /api/*, gorilla/websocket
// hub pattern for the sink.
type Server struct {
	router     *gin.Engine
	wsHub      *WebSocketHub
	supervisor *Supervisor
	settings   *SettingsProvider
	uploadDir  string
}

// NewServer wires the gin router around an already-running WebSocketHub,
// Supervisor and Settings Provider. The hub is constructed separately by
// the caller because its snapshot accessor closes over the Supervisor,
// which in turn needs the hub as its BroadcastSink — main.go breaks the
// cycle by wiring the hub's snapshotFn before starting its run loop.
func NewServer(supervisor *Supervisor, settings *SettingsProvider, uploadDir string, hub *WebSocketHub) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(jsonRecoveryMiddleware())
	router.Use(corsMiddleware())

	s := &Server{
		router:     router,
		wsHub:      hub,
		supervisor: supervisor,
		settings:   settings,
		uploadDir:  uploadDir,
	}
	s.setupRoutes()
	return s
}

func jsonRecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				if strings.HasPrefix(c.Request.URL.Path, "/api/") {
					c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
					c.Abort()
				} else {
					c.AbortWithStatus(http.StatusInternalServerError)
				}
			}
		}()
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

const permissionsContextKey = "permissions"

// authMiddleware resolves the bearer token (if any) into AuthPermissions and
// stashes it on the context; routes then call requirePermission.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		perms := AuthPermissions{}
		if token, ok := validateBearerToken(c.GetHeader("Authorization")); ok {
			if bits, err := s.settings.ResolveToken(token); err == nil {
				perms = DerivePermissions(bits)
			}
		}
		c.Set(permissionsContextKey, perms)
		c.Next()
	}
}

func permissionsFrom(c *gin.Context) AuthPermissions {
	v, ok := c.Get(permissionsContextKey)
	if !ok {
		return AuthPermissions{}
	}
	return v.(AuthPermissions)
}

// requirePermission returns 403 when the resolved permission set lacks has.
func requirePermission(has func(AuthPermissions) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !has(permissionsFrom(c)) {
			c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.dashboardHandler)
	s.router.GET("/api/ping", s.pingHandler)
	s.router.POST("/api/login", s.loginHandler)

	api := s.router.Group("/api")
	api.Use(s.authMiddleware())
	{
		api.PUT("/connection", requirePermission(func(p AuthPermissions) bool { return p.ConnectionEdit }), s.createConnectionHandler)
		api.DELETE("/connection", requirePermission(func(p AuthPermissions) bool { return p.ConnectionEdit }), s.deleteConnectionHandler)
		api.POST("/connection/reconnect", requirePermission(func(p AuthPermissions) bool { return p.ConnectionEdit }), s.reconnectConnectionHandler)
		api.GET("/status", s.statusHandler)
		api.POST("/terminal", requirePermission(func(p AuthPermissions) bool { return p.TerminalSend }), s.terminalHandler)
		api.GET("/files", s.listFilesHandler)
		api.POST("/files", requirePermission(func(p AuthPermissions) bool { return p.FileEdit }), s.uploadFileHandler)
		api.PUT("/files/:name", requirePermission(func(p AuthPermissions) bool { return p.FileEdit }), s.renameFileHandler)
		api.POST("/print/:name", requirePermission(func(p AuthPermissions) bool { return p.PrintStateEdit }), s.startPrintHandler)
		api.DELETE("/print", requirePermission(func(p AuthPermissions) bool { return p.PrintStateEdit }), s.cancelPrintHandler)
		api.GET("/settings", requirePermission(func(p AuthPermissions) bool { return p.SettingsEdit }), s.listSettingsHandler)
		api.PUT("/settings", requirePermission(func(p AuthPermissions) bool { return p.SettingsEdit }), s.updateSettingsHandler)
	}

	s.router.GET("/ws/status", s.websocketHandler)
}

func (s *Server) pingHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) dashboardHandler(c *gin.Context) {
	snap := s.supervisor.snapshotOrZero()
	c.JSON(http.StatusOK, gin.H{"state": snap.Phase, "note": "minimal embedded dashboard; use /ws/status for live updates"})
}

// loginHandler issues a bearer token carrying an AuthPermissions bitmask.
// Grounded on original_source's login.rs plus the teacher's nfc.go
// session-issuance idiom, adapted from NFC pairing sessions to auth
// sessions.
func (s *Server) loginHandler(c *gin.Context) {
	var body struct {
		Permissions uint16 `json:"permissions"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	token, err := generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	if err := s.settings.IssueToken(token, body.Permissions); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "permissions": DerivePermissions(body.Permissions)})
}

// createConnectionHandler implements PUT /api/connection, grounded on
// original_source/.../create_connection.rs's phase guard.
func (s *Server) createConnectionHandler(c *gin.Context) {
	snap := s.supervisor.snapshotOrZero()
	if snap.Phase != PhaseDisconnected && snap.Phase != PhaseErrored {
		c.JSON(http.StatusForbidden, gin.H{"error": "a connection already exists"})
		return
	}

	var body struct {
		DevicePath string `json:"devicePath"`
		DeviceBaud int    `json:"deviceBaud"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || !validateDevicePath(body.DevicePath) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid devicePath or deviceBaud"})
		return
	}
	if body.DeviceBaud == 0 {
		body.DeviceBaud = DefaultDeviceBaud
	}

	if _, err := s.supervisor.CreateBridge(body.DevicePath, body.DeviceBaud); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	s.settings.SetConfigValue(ConfigKeyDevicePath, body.DevicePath)
	s.settings.SetConfigValue(ConfigKeyDeviceBaud, fmt.Sprintf("%d", body.DeviceBaud))
	c.JSON(http.StatusAccepted, gin.H{"status": "connecting"})
}

func (s *Server) deleteConnectionHandler(c *gin.Context) {
	s.supervisor.Disconnect()
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (s *Server) reconnectConnectionHandler(c *gin.Context) {
	params, err := s.settings.BootParameters()
	if err != nil || params.DevicePath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no prior connection to reconnect"})
		return
	}
	s.supervisor.Disconnect()
	if _, err := s.supervisor.CreateBridge(params.DevicePath, params.DeviceBaud); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "reconnecting"})
}

func (s *Server) statusHandler(c *gin.Context) {
	snap := s.supervisor.snapshotOrZero()
	c.JSON(http.StatusOK, buildStateContent(snap))
}

func (s *Server) terminalHandler(c *gin.Context) {
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing text"})
		return
	}
	b := s.supervisor.Current()
	if b == nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "not connected"})
		return
	}
	id := uuid.New()
	s.supervisor.Forward(InboundEvent{Kind: EvSend, Text: body.Text, ID: id})
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) listFilesHandler(c *gin.Context) {
	files, err := s.settings.ListUploads()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, files)
}

func (s *Server) uploadFileHandler(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	if !validateGcodeFilename(fileHeader.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filename must match *.gcode with no path separators"})
		return
	}

	dest := filepath.Join(s.uploadDir, fileHeader.Filename)
	if err := c.SaveUploadedFile(fileHeader, dest); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.settings.RecordUpload(fileHeader.Filename, fileHeader.Size); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": fileHeader.Filename, "size": fileHeader.Size})
}

func (s *Server) renameFileHandler(c *gin.Context) {
	oldName := c.Param("name")
	var body struct {
		NewName string `json:"newName"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || !validateGcodeFilename(body.NewName) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid newName"})
		return
	}
	oldPath := filepath.Join(s.uploadDir, oldName)
	newPath := filepath.Join(s.uploadDir, body.NewName)
	if err := os.Rename(oldPath, newPath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := s.settings.RenameUpload(oldName, body.NewName); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": body.NewName})
}

func (s *Server) startPrintHandler(c *gin.Context) {
	name := c.Param("name")
	if !validateGcodeFilename(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filename"})
		return
	}
	b := s.supervisor.Current()
	if b == nil || b.Snapshot().Phase != PhaseConnected {
		c.JSON(http.StatusForbidden, gin.H{"error": "printer not connected"})
		return
	}

	data, err := os.ReadFile(filepath.Join(s.uploadDir, name))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	job := loadPrintJob(name, strings.Split(string(data), "\n"))
	s.supervisor.Forward(InboundEvent{Kind: EvStartPrint, Job: job})
	c.JSON(http.StatusAccepted, gin.H{"status": "printing", "name": name})
}

func (s *Server) cancelPrintHandler(c *gin.Context) {
	b := s.supervisor.Current()
	if b == nil || b.Snapshot().Phase != PhasePrinting {
		c.JSON(http.StatusForbidden, gin.H{"error": "no print in progress"})
		return
	}
	s.supervisor.Forward(InboundEvent{Kind: EvEndPrint})
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) listSettingsHandler(c *gin.Context) {
	params, err := s.settings.BootParameters()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, params)
}

func (s *Server) updateSettingsHandler(c *gin.Context) {
	var body struct {
		DevicePath  string `json:"devicePath"`
		DeviceBaud  int    `json:"deviceBaud"`
		StartOnBoot bool   `json:"startOnBoot"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.DevicePath != "" && !validateDevicePath(body.DevicePath) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid devicePath"})
		return
	}
	if body.DeviceBaud != 0 && !validateBaud(body.DeviceBaud) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid deviceBaud"})
		return
	}

	s.settings.SetConfigValue(ConfigKeyDevicePath, body.DevicePath)
	s.settings.SetConfigValue(ConfigKeyDeviceBaud, fmt.Sprintf("%d", body.DeviceBaud))
	if body.StartOnBoot {
		s.settings.SetConfigValue(ConfigKeyStartOnBoot, "true")
	} else {
		s.settings.SetConfigValue(ConfigKeyStartOnBoot, "false")
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

// Run starts the HTTP server on the given port. Mirrors the teacher's
// WebServer.Start.
func (s *Server) Run(port string) error {
	return s.router.Run(":" + port)
}

// --- Broadcast Sink -------------------------------------------------------

// WebSocketHub manages WebSocket connections and broadcasts, grounded on
// the teacher's register/unregister/broadcast channel pattern.
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	broadcast  chan []byte
	mutex      sync.RWMutex
	snapshotFn func() StateSnapshot
}

// WebSocketClient represents one WebSocket connection and its resolved
// permission set, used to build its `ready` frame on connect.
type WebSocketClient struct {
	hub         *WebSocketHub
	conn        *websocket.Conn
	send        chan []byte
	permissions AuthPermissions
}

func newWebSocketHub(snapshotFn func() StateSnapshot) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*WebSocketClient]bool),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		broadcast:  make(chan []byte),
		snapshotFn: snapshotFn,
	}
}

func (h *WebSocketHub) run() {
	for {
		select {
		case client := <-h.register:
			ready := readyFrame(client.permissions, h.snapshotFn())
			select {
			case client.send <- ready:
			default:
			}
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			log.Printf("websocket client connected, total=%d", len(h.clients))

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mutex.RUnlock()
		}
	}
}

func (h *WebSocketHub) sendFrame(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("marshal websocket frame: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// BroadcastSnapshot implements BroadcastSink.
func (h *WebSocketHub) BroadcastSnapshot(snapshot StateSnapshot) {
	h.sendFrame(gin.H{"type": "state_update", "content": buildStateContent(snapshot)})
}

// BroadcastTerminal implements BroadcastSink.
func (h *WebSocketHub) BroadcastTerminal(kind, text string, id *string) {
	h.sendFrame(gin.H{"type": "terminal_message", "content": []gin.H{{
		"message": text,
		"type":    kind,
		"id":      id,
		"time":    time.Now().Format(time.RFC3339),
	}}})
}

// BroadcastTemperature implements BroadcastSink.
func (h *WebSocketHub) BroadcastTemperature(temp TempReport) {
	tools := make([]interface{}, 0, len(temp.Tools))
	for _, t := range temp.Tools {
		tools = append(tools, tempInfoJSON(t.Name, &t))
	}
	h.sendFrame(gin.H{"type": "temperature_change", "content": gin.H{
		"tools":   tools,
		"bed":     tempInfoJSON("", temp.Bed),
		"chamber": tempInfoJSON("", temp.Chamber),
		"time":    time.Now().UnixMilli(),
	}})
}

func tempInfoJSON(name string, t *ToolTemp) interface{} {
	if t == nil || t.Current == 0 {
		return nil
	}
	m := gin.H{"currentTemp": t.Current, "targetTemp": t.Target}
	if name != "" {
		m["name"] = name
	}
	return m
}

func readyFrame(perms AuthPermissions, snap StateSnapshot) []byte {
	data, _ := json.Marshal(gin.H{"type": "ready", "content": gin.H{
		"permissions": perms,
		"state":       buildStateContent(snap),
	}})
	return data
}

// buildStateContent renders a StateSnapshot into the state_update content
// shape of spec.md §6.
func buildStateContent(snap StateSnapshot) gin.H {
	var description interface{}
	switch {
	case snap.Description.ErrorMessage != "":
		description = gin.H{"errorDescription": snap.Description.ErrorMessage}
	case snap.Description.Print != nil:
		p := snap.Description.Print
		var estEnd interface{}
		if p.EstEndTime != nil {
			estEnd = p.EstEndTime.Format(time.RFC3339)
		}
		description = gin.H{"printInfo": gin.H{
			"file":       gin.H{"name": p.Filename},
			"progress":   fmt.Sprintf("%.2f", p.Progress),
			"startTime":  p.StartTime.Format(time.RFC3339),
			"estEndTime": estEnd,
		}}
	default:
		description = nil
	}
	return gin.H{"state": string(snap.Phase), "description": description}
}

func (s *Server) websocketHandler(c *gin.Context) {
	perms := AuthPermissions{}
	if token := c.Query("token"); token != "" {
		if bits, err := s.settings.ResolveToken(token); err == nil {
			perms = DerivePermissions(bits)
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	client := &WebSocketClient{
		hub:         s.wsHub,
		conn:        conn,
		send:        make(chan []byte, 256),
		permissions: perms,
	}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket error: %v", err)
			}
			break
		}
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
