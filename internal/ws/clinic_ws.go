package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"clinicq/internal/queue"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Hub хранит подключения клиентов, сгруппированные по клинике: регистратура
// и табло зала ожидания подписываются на события своей клиники.
type Hub struct {
	// Для каждой клиники храним множество подключений.
	clients map[string]map[*Client]bool
	// Канал для регистрации нового клиента.
	register chan *Client
	// Канал для удаления клиента.
	unregister chan *Client
	// Канал для трансляции сообщений по конкретной клинике.
	broadcast chan BroadcastMessage
	mu        sync.RWMutex
}

// BroadcastMessage представляет сообщение для рассылки в определённую клинику.
type BroadcastMessage struct {
	ClinicID string
	Message  []byte
}

// NewHub создает новый Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan BroadcastMessage),
	}
}

// Run запускает цикл обработки каналов хаба.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.ClinicID] == nil {
				h.clients[client.ClinicID] = make(map[*Client]bool)
			}
			h.clients[client.ClinicID][client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.ClinicID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.clients, client.ClinicID)
					}
				}
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			if clients, ok := h.clients[message.ClinicID]; ok {
				for client := range clients {
					select {
					case client.Send <- message.Message:
					default:
						close(client.Send)
						delete(clients, client)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// HandleEvent — подписчик шины событий: сериализует событие и рассылает
// его клиентам клиники.
func (h *Hub) HandleEvent(e queue.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Println("Ошибка сериализации события для WS:", err)
		return
	}
	h.broadcast <- BroadcastMessage{
		ClinicID: strconv.FormatUint(uint64(e.ClinicID), 10),
		Message:  payload,
	}
}

// Client представляет одно подключение через WebSocket.
type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	Send     chan []byte
	ClinicID string
}

// readPump читает сообщения из WebSocket-соединения.
// Входящие сообщения не обрабатываются — отслеживается только разрыв соединения.
func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump отправляет сообщения клиенту из канала Send.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Канал закрыт.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			// Отправка ping-сообщения для поддержания соединения.
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Настраиваем апгрейдер для WebSocket с разрешением всех источников.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler обновляет соединение до WebSocket и регистрирует клиента в Hub.
// URL-пример: /api/clinics/{id}/ws
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clinicID := c.Param("id")
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			http.Error(c.Writer, "Ошибка обновления до WebSocket", http.StatusInternalServerError)
			return
		}
		client := &Client{
			Hub:      h,
			Conn:     conn,
			Send:     make(chan []byte, 256),
			ClinicID: clinicID,
		}
		h.register <- client

		go client.writePump()
		client.readPump()
	}
}
