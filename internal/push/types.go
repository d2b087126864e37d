package push

// Payload is the wire format of a push message body. Every field except title
// and body is optional; absent fields fall back to safe defaults.
type Payload struct {
	Title              string      `json:"title"`
	Body               string      `json:"body"`
	Icon               string      `json:"icon,omitempty"`
	Badge              string      `json:"badge,omitempty"`
	Data               PayloadData `json:"data,omitempty"`
	Actions            []Action    `json:"actions,omitempty"`
	Tag                string      `json:"tag,omitempty"`
	RequireInteraction bool        `json:"requireInteraction,omitempty"`
}

// PayloadData carries the routing target for notification clicks.
type PayloadData struct {
	URL string `json:"url,omitempty"`
}

// Action is a button rendered on the notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification is a fully resolved notification ready to render: all defaults
// applied, routing URL always set.
type Notification struct {
	Title              string   `json:"title"`
	Body               string   `json:"body"`
	Icon               string   `json:"icon"`
	Badge              string   `json:"badge"`
	URL                string   `json:"url"`
	Tag                string   `json:"tag"`
	Actions            []Action `json:"actions,omitempty"`
	RequireInteraction bool     `json:"requireInteraction"`
}

// Click describes a notification click routed back from a window.
type Click struct {
	Tag    string `json:"tag"`
	Action string `json:"action"`
	URL    string `json:"url"`
}
