package ws

// Subscriber abstracts a streaming dashboard client.
type Subscriber interface {
	Send(event string, payload []byte) error
	Close()
}

// Hub fans typed events out to every connected dashboard client.
type Hub struct {
	clients   map[Subscriber]struct{}
	register  chan Subscriber
	unreg     chan Subscriber
	broadcast chan message
}

// message couples an event name with its JSON payload.
type message struct {
	event   string
	payload []byte
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[Subscriber]struct{}),
		register:  make(chan Subscriber),
		unreg:     make(chan Subscriber),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			h.clients[sub] = struct{}{}
		case sub := <-h.unreg:
			delete(h.clients, sub)
		case msg := <-h.broadcast:
			for c := range h.clients {
				if err := c.Send(msg.event, msg.payload); err != nil {
					c.Close()
					delete(h.clients, c)
				}
			}
		}
	}
}

// Register adds a client to the event stream.
func (h *Hub) Register(client Subscriber) {
	h.register <- client
}

// Unregister removes a client.
func (h *Hub) Unregister(client Subscriber) {
	h.unreg <- client
}

// Broadcast sends a named event to every client.
func (h *Hub) Broadcast(event string, payload []byte) {
	h.broadcast <- message{event: event, payload: payload}
}
