package hub

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

// Handler serves SockJS sessions under prefix. Clients send subscribe and
// unsubscribe messages; everything else they send is ignored.
func (h *Hub) Handler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, h.serveSession)
}

func (h *Hub) serveSession(session sockjs.Session) {
	client := &Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
	if req := session.Request(); req != nil {
		client.Subscription = Subscription{
			Kind:        req.URL.Query().Get("kind"),
			ServiceType: req.URL.Query().Get("service_type"),
			EmployeeID:  req.URL.Query().Get("employee_id"),
		}
	}
	h.Register(client)
	defer h.Unregister(client)
	h.log.WithField("client_id", client.ID).Debug("realtime client connected")

	go func() {
		for msg := range client.Send {
			if err := session.Send(string(msg)); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		parsed, ok := ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		if parsed.Action == "unsubscribe" {
			h.UpdateSubscription(client, Subscription{})
			continue
		}
		h.UpdateSubscription(client, Subscription{
			Kind:        parsed.Kind,
			ServiceType: parsed.ServiceType,
			EmployeeID:  parsed.EmployeeID,
		})
	}
}
