package queue

import "github.com/notifyhub/dispatch/internal/domain"

// Item is the minimal data placed on the queue.
// Workers fetch the full Notification from the store using the ID,
// keeping the queue lightweight and the persisted data authoritative.
type Item struct {
	NotificationID string
	Type           domain.Type
	Priority       domain.Priority
}

// ItemFor builds the queue item for a notification.
func ItemFor(n *domain.Notification) Item {
	return Item{
		NotificationID: n.ID,
		Type:           n.Type,
		Priority:       n.Priority,
	}
}
