package websocket

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"tabgraphsyn-runner/internal/registry"
)

// Manager manages WebSocket connections and broadcasts job state to the
// dashboard on every change.
type Manager struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	reg       *registry.Registry
}

// New creates a new WebSocket manager
func New(reg *registry.Registry) *Manager {
	return &Manager{
		clients: make(map[*websocket.Conn]bool),
		reg:     reg,
	}
}

// AddClient adds a new WebSocket client
func (m *Manager) AddClient(conn *websocket.Conn) {
	m.clientsMu.Lock()
	m.clients[conn] = true
	total := len(m.clients)
	m.clientsMu.Unlock()

	log.Printf("[WS] New client connected. Total clients: %d", total)

	// Send initial data
	m.SendUpdateToClient(conn)

	// Handle disconnection
	go func() {
		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, conn)
			remaining := len(m.clients)
			m.clientsMu.Unlock()
			conn.Close()
			log.Printf("[WS] Client disconnected. Total clients: %d", remaining)
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Broadcast sends updates to all connected clients
func (m *Manager) Broadcast() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	for client := range m.clients {
		go m.SendUpdateToClient(client)
	}
}

// SendUpdateToClient sends current state to a specific client
func (m *Manager) SendUpdateToClient(conn *websocket.Conn) {
	jobs, err := m.reg.ListJobs("", "", 100)
	if err != nil {
		log.Printf("[ERROR] Failed to load jobs for WebSocket update: %v", err)
		return
	}
	metrics, err := m.reg.Metrics()
	if err != nil {
		log.Printf("[ERROR] Failed to load metrics for WebSocket update: %v", err)
		return
	}

	update := map[string]interface{}{
		"jobs":    jobs,
		"metrics": metrics,
	}

	if err := conn.WriteJSON(update); err != nil {
		log.Printf("[ERROR] Failed to send WebSocket update: %v", err)
	}
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}
