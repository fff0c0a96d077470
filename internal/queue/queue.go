// Package queue holds the boundary types shared with the live-update queue
// and a Kafka source that delivers them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Item is one live update: the id of a changed row plus processing tags.
// Record carries the row as published by the producer; classification
// always reloads the row, so it is informational only.
type Item struct {
	ID     int64           `json:"id"`
	Record json.RawMessage `json:"record,omitempty"`
	Tags   []string        `json:"tags,omitempty"`
}

// Handler processes one delivered group of items. Returning an error means
// none of the items may be acknowledged.
type Handler func(ctx context.Context, items []Item) error

// Control lets the processing side ask the queue runtime to halt delivery.
type Control interface {
	Stop()
}

// IDs returns the item ids in delivery order.
func IDs(items []Item) []int64 {
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

// ParseItem decodes a message. A JSON object value is decoded as an Item;
// otherwise the value, or the key when the value is empty, must be a decimal id.
func ParseItem(key, value []byte) (Item, error) {
	v := strings.TrimSpace(string(value))
	if strings.HasPrefix(v, "{") {
		var it Item
		if err := json.Unmarshal([]byte(v), &it); err != nil {
			return Item{}, fmt.Errorf("decode queue item: %w", err)
		}
		if it.ID <= 0 {
			return Item{}, fmt.Errorf("queue item has no id")
		}
		return it, nil
	}
	if v == "" {
		v = strings.TrimSpace(string(key))
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return Item{}, fmt.Errorf("parse queue item id %q: %w", v, err)
	}
	if id <= 0 {
		return Item{}, fmt.Errorf("queue item id must be positive, got %d", id)
	}
	return Item{ID: id}, nil
}
