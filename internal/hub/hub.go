// Package hub pushes engine changes to display boards and agent consoles
// connected over SockJS.
package hub

import (
	"encoding/json"
	"expvar"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
)

var droppedMessages = expvar.NewInt("hub_messages_dropped_total")

// Subscription narrows what a client receives. Empty fields match all.
type Subscription struct {
	Kind        string
	ServiceType string
	EmployeeID  string
}

// Meta describes a broadcast message for matching against subscriptions.
type Meta struct {
	Kind        string
	ServiceType string
	EmployeeIDs []string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     logrus.FieldLogger
}

type SubscribeMessage struct {
	Action      string `json:"action"`
	Kind        string `json:"kind"`
	ServiceType string `json:"service_type"`
	EmployeeID  string `json:"employee_id"`
}

func New(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{clients: make(map[string]*Client), log: logger.WithField("component", "hub")}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast never blocks: a client whose buffer is full misses the message.
func (h *Hub) Broadcast(payload []byte, meta Meta) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			droppedMessages.Add(1)
			h.log.WithField("client_id", client.ID).Debug("drop message for slow client")
		}
	}
}

func match(sub Subscription, meta Meta) bool {
	if sub.Kind != "" && meta.Kind != sub.Kind {
		return false
	}
	if sub.ServiceType != "" && meta.ServiceType != sub.ServiceType {
		return false
	}
	if sub.EmployeeID != "" && !slices.Contains(meta.EmployeeIDs, sub.EmployeeID) {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
