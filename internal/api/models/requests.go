package models

import (
	"github.com/quietmesh/pushbridge/internal/api/validation"
	"github.com/quietmesh/pushbridge/internal/registry"
)

// SubscribeRequest registers or wholesale-replaces a push subscriber.
type SubscribeRequest struct {
	SubscriberID string                `json:"subscriber_id"`
	Endpoint     registry.PushEndpoint `json:"endpoint"`
	ChannelIDs   []string              `json:"channel_ids"`
	RelayURLs    []string              `json:"relay_urls"`
}

// Validate implements validation.Validator
func (r *SubscribeRequest) Validate() error {
	if err := validation.Required("subscriber_id", r.SubscriberID); err != nil {
		return err
	}
	if err := validation.Required("endpoint.endpoint", r.Endpoint.Endpoint); err != nil {
		return err
	}
	return validation.NonEmpty("relay_urls", r.RelayURLs)
}
