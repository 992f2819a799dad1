package models

// SubscribeResponse confirms a registration.
type SubscribeResponse struct {
	SubscriberID string `json:"subscriber_id"`
}

// StatsResponse is the read-only health/stats snapshot: subscriber count
// plus the connection state of every relay link.
type StatsResponse struct {
	Subscribers int               `json:"subscribers"`
	Relays      map[string]string `json:"relays"`
}
